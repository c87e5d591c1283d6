package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when an Async sink cannot accept another alert.
var ErrQueueFull = errors.New("alert queue full")

const asyncPublishTimeout = 30 * time.Second

// Async hands alerts to a background goroutine so that remote sinks never
// delay the request that raised them. Pair it with a synchronous LogSink:
// an alert dropped on a full queue is still in the log.
type Async struct {
	next   Sink
	ch     chan Alert
	done   chan struct{}
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Sink, size int, logger zerolog.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:   next,
		ch:     make(chan Alert, size),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "alerts-async").Logger(),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for al := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
		if err := a.next.Publish(ctx, al); err != nil {
			a.logger.Error().Err(err).Str("alert_type", al.Type).Str("request_id", al.RequestID).Msg("alert delivery failed")
		}
		cancel()
	}
}

func (a *Async) Publish(_ context.Context, al Alert) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueFull
	}
	select {
	case a.ch <- al:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
