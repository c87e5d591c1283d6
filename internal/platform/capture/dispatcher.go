package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/alerts"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

const (
	defaultWorkers       = 4
	defaultQueueSize     = 1024
	defaultAppendTimeout = 30 * time.Second
)

// DispatchObserver receives best-effort persistence signals.
type DispatchObserver interface {
	ObservePersist(mode string, success bool)
	ObserveDispatchOverflow()
	SetDispatchQueueDepth(n int)
}

type task struct {
	ctx   context.Context
	entry *hipaa.AuditEntry
}

// Dispatcher persists best-effort entries off the response path. A submitted
// entry is never dropped and never cancelled by its originating request: a
// full queue spills into a dedicated goroutine, and Close drains everything.
type Dispatcher struct {
	audit    hipaa.Appender
	queue    chan task
	workers  sync.WaitGroup
	spill    sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	timeout  time.Duration
	alerts   alerts.Sink
	observer DispatchObserver
	logger   zerolog.Logger
}

type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	AppendTimeout time.Duration
}

func NewDispatcher(audit hipaa.Appender, cfg DispatcherConfig, sink alerts.Sink, observer DispatchObserver, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
	}
	if sink == nil {
		sink = alerts.Discard{}
	}
	d := &Dispatcher{
		audit:    audit,
		queue:    make(chan task, cfg.QueueSize),
		timeout:  cfg.AppendTimeout,
		alerts:   sink,
		observer: observer,
		logger:   logger.With().Str("component", "audit-dispatcher").Logger(),
	}
	d.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.work()
	}
	return d
}

// Submit hands entry to the worker pool without blocking.
func (d *Dispatcher) Submit(ctx context.Context, entry *hipaa.AuditEntry) {
	t := task{ctx: context.WithoutCancel(ctx), entry: entry}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.persist(t)
		return
	}
	select {
	case d.queue <- t:
		d.depth()
	default:
		if d.observer != nil {
			d.observer.ObserveDispatchOverflow()
		}
		d.spill.Add(1)
		go func() {
			defer d.spill.Done()
			d.persist(t)
		}()
	}
}

// Close stops accepting queued work and waits for every pending append.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.spill.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining audit dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for t := range d.queue {
		d.depth()
		d.persist(t)
	}
}

func (d *Dispatcher) depth() {
	if d.observer != nil {
		d.observer.SetDispatchQueueDepth(len(d.queue))
	}
}

func (d *Dispatcher) persist(t task) {
	ctx, cancel := context.WithTimeout(t.ctx, d.timeout)
	defer cancel()

	_, err := d.audit.Append(ctx, t.entry)
	if d.observer != nil {
		d.observer.ObservePersist(string(ModeBestEffort), err == nil)
	}
	if err == nil {
		return
	}

	d.logger.Error().Err(err).
		Str("entry_id", t.entry.ID.String()).
		Str("request_id", t.entry.RequestID).
		Str("action", string(t.entry.Action)).
		Str("resource_type", t.entry.ResourceType).
		Msg("best-effort audit append failed")

	alertErr := d.alerts.Publish(ctx, alerts.Alert{
		Type:      alerts.TypeAuditPersistenceFault,
		Severity:  alerts.SeverityHigh,
		UserID:    t.entry.UserID(),
		SessionID: t.entry.SessionID,
		RequestID: t.entry.RequestID,
		Score:     t.entry.RiskScore,
		Message:   "best-effort audit entry could not be persisted",
		Fields: map[string]string{
			"entry_id":      t.entry.ID.String(),
			"action":        string(t.entry.Action),
			"resource_type": t.entry.ResourceType,
		},
		Timestamp: time.Now().UTC(),
	})
	if alertErr != nil {
		d.logger.Error().Err(alertErr).Str("entry_id", t.entry.ID.String()).Msg("failed to publish audit failure alert")
	}
}
