package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRetentionPolicies_DaysFor(t *testing.T) {
	p := NewRetentionPolicies(0, DefaultRetentionPolicies())
	if got := p.DaysFor("patients"); got != DefaultRetentionDays {
		t.Errorf("expected default %d, got %d", DefaultRetentionDays, got)
	}
	if got := p.DaysFor("billing"); got != 2920 {
		t.Errorf("expected billing override 2920, got %d", got)
	}

	short := NewRetentionPolicies(3000, []RetentionPolicy{{ResourceType: "billing", RetentionDays: 100}})
	if got := short.DaysFor("billing"); got != 3000 {
		t.Errorf("overrides must not shorten retention, got %d", got)
	}
}

type sweepRecorder struct {
	removed []int
	errs    []error
}

func (r *sweepRecorder) ObserveRetentionSweep(removed int, err error) {
	r.removed = append(r.removed, removed)
	r.errs = append(r.errs, err)
}

type failingSweepStore struct{ MemoryAuditStore }

func (*failingSweepStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("trigger rejected delete")
}

func TestRetentionSweeper_SweepNow(t *testing.T) {
	log, store, _ := newTestAuditLog(t)
	ctx := context.Background()
	now := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, _ = log.Append(ctx, &AuditEntry{Action: ActionRead, Timestamp: now.AddDate(-8, 0, 0)})
	}
	_, _ = log.Append(ctx, &AuditEntry{Action: ActionRead, Timestamp: now.AddDate(0, -1, 0)})

	obs := &sweepRecorder{}
	s := NewRetentionSweeper(log, 0, testLogger(), obs)
	s.now = func() time.Time { return now }

	n, err := s.SweepNow(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 || store.Len() != 1 {
		t.Errorf("expected 3 removed and 1 left, got %d removed and %d left", n, store.Len())
	}
	if last, lastN := s.LastRun(); !last.Equal(now) || lastN != 3 {
		t.Errorf("unexpected last run: %v %d", last, lastN)
	}
	if len(obs.removed) != 1 || obs.removed[0] != 3 {
		t.Errorf("expected observer notified with 3, got %v", obs.removed)
	}
	if s.interval != 24*time.Hour {
		t.Errorf("expected default 24h interval, got %v", s.interval)
	}
}

func TestRetentionSweeper_Failure(t *testing.T) {
	sealer, _ := NewSealer(generateTestKey(t))
	log := NewAuditLog(&failingSweepStore{}, sealer, testLogger())
	obs := &sweepRecorder{}
	s := NewRetentionSweeper(log, time.Hour, testLogger(), obs)

	if _, err := s.SweepNow(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
	if len(obs.errs) != 1 || obs.errs[0] == nil {
		t.Error("observer should see the failure")
	}
	if last, _ := s.LastRun(); !last.IsZero() {
		t.Error("failed sweep must not update last run")
	}
}

func TestRetentionSweeper_RunStopsOnCancel(t *testing.T) {
	log, _, _ := newTestAuditLog(t)
	s := NewRetentionSweeper(log, time.Millisecond, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestRetentionHandler_HandleSweep(t *testing.T) {
	log, _, _ := newTestAuditLog(t)
	_, _ = log.Append(context.Background(), &AuditEntry{Action: ActionRead, Timestamp: time.Now().AddDate(-10, 0, 0)})
	h := NewRetentionHandler(NewRetentionSweeper(log, time.Hour, testLogger(), nil))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/retention/sweep", nil)
	rec := httptest.NewRecorder()
	if err := h.HandleSweep(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["removed"] != float64(1) {
		t.Errorf("expected removed=1, got %v", body["removed"])
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/retention/status", nil)
	if err := h.HandleStatus(e.NewContext(req, rec)); err != nil {
		t.Fatalf("status handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
