package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/alerts"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type countingAppender struct {
	mu      sync.Mutex
	entries []*hipaa.AuditEntry
	gate    chan struct{}
	err     error
	ctxErrs int
}

func (a *countingAppender) Append(ctx context.Context, e *hipaa.AuditEntry) (uuid.UUID, error) {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		a.ctxErrs++
	}
	if a.err != nil {
		return uuid.Nil, a.err
	}
	a.entries = append(a.entries, e)
	return e.ID, nil
}

func (a *countingAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type dispatchCounter struct {
	overflow atomic.Int64
	ok       atomic.Int64
	failed   atomic.Int64
}

func (d *dispatchCounter) ObservePersist(_ string, success bool) {
	if success {
		d.ok.Add(1)
		return
	}
	d.failed.Add(1)
}
func (d *dispatchCounter) ObserveDispatchOverflow() { d.overflow.Add(1) }
func (d *dispatchCounter) SetDispatchQueueDepth(int) {}

type alertRecorder struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *alertRecorder) Publish(_ context.Context, a alerts.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return nil
}

func testEntry() *hipaa.AuditEntry {
	return &hipaa.AuditEntry{ID: uuid.New(), Action: hipaa.ActionSearch, ResourceType: "appointments", RequestID: uuid.NewString()}
}

func TestDispatcher_CloseDrainsEverything(t *testing.T) {
	app := &countingAppender{gate: make(chan struct{})}
	obs := &dispatchCounter{}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1, QueueSize: 2}, nil, obs, testLogger())

	for i := 0; i < 20; i++ {
		d.Submit(context.Background(), testEntry())
	}
	if obs.overflow.Load() == 0 {
		t.Error("expected overflow with a blocked worker and a small queue")
	}
	close(app.gate)

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := app.count(); got != 20 {
		t.Errorf("expected all 20 entries persisted, got %d", got)
	}
	if obs.ok.Load() != 20 {
		t.Errorf("expected 20 successful persists observed, got %d", obs.ok.Load())
	}
}

func TestDispatcher_DetachedFromRequestCancellation(t *testing.T) {
	app := &countingAppender{}
	d := NewDispatcher(app, DispatcherConfig{Workers: 2}, nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Submit(ctx, testEntry())

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if app.count() != 1 || app.ctxErrs != 0 {
		t.Errorf("append must run with a live context: persisted=%d cancelled=%d", app.count(), app.ctxErrs)
	}
}

func TestDispatcher_SubmitAfterClosePersistsInline(t *testing.T) {
	app := &countingAppender{}
	d := NewDispatcher(app, DispatcherConfig{}, nil, nil, testLogger())
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	d.Submit(context.Background(), testEntry())
	if app.count() != 1 {
		t.Errorf("expected inline persist after close, got %d", app.count())
	}
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestDispatcher_FailureRaisesAlert(t *testing.T) {
	app := &countingAppender{err: errors.New("connection refused")}
	sink := &alertRecorder{}
	obs := &dispatchCounter{}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1}, sink, obs, testLogger())

	e := testEntry()
	d.Submit(context.Background(), e)
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if obs.failed.Load() != 1 {
		t.Errorf("expected one failed persist, got %d", obs.failed.Load())
	}
	if len(sink.got) != 1 {
		t.Fatalf("expected one alert, got %d", len(sink.got))
	}
	a := sink.got[0]
	if a.Type != alerts.TypeAuditPersistenceFault || a.RequestID != e.RequestID || a.Fields["entry_id"] != e.ID.String() {
		t.Errorf("unexpected alert: %+v", a)
	}
}

func TestDispatcher_CloseHonoursDeadline(t *testing.T) {
	app := &countingAppender{gate: make(chan struct{})}
	d := NewDispatcher(app, DispatcherConfig{Workers: 1}, nil, nil, testLogger())
	d.Submit(context.Background(), testEntry())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	close(app.gate)
	if err := d.Close(context.Background()); err != nil {
		t.Errorf("drain after unblock: %v", err)
	}
	if app.count() != 1 {
		t.Errorf("expected the pending entry to land, got %d", app.count())
	}
}
