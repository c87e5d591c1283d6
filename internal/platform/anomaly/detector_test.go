package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/alerts"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (s *recordingSink) Publish(_ context.Context, a alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type flagCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (f *flagCounter) ObserveSessionFlagged(severity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count == nil {
		f.count = map[string]int{}
	}
	f.count[severity]++
}

func newTestDetector(th Thresholds) (*Detector, *fakeClock, *recordingSink, *flagCounter) {
	clock := &fakeClock{t: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	obs := &flagCounter{}
	d := NewDetector(NewMemoryStore(), th, sink, zerolog.New(nil).Level(zerolog.Disabled),
		WithClock(clock.Now), WithObserver(obs))
	return d, clock, sink, obs
}

func TestDetector_TwentyPHIReadsFlagged(t *testing.T) {
	d, clock, sink, obs := newTestDetector(Thresholds{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := d.RecordActivity(ctx, "u-1", "s-1", true); err != nil {
			t.Fatalf("record: %v", err)
		}
		clock.Advance(10 * time.Second)
	}

	a, err := d.CheckAnomalous(ctx, "u-1", "s-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !a.Flagged || a.PHIAccessCount <= 15 || a.Severity != SeverityHigh {
		t.Errorf("expected high severity flag with count > 15, got %+v", a)
	}
	if len(sink.alerts) != 1 {
		t.Errorf("expected exactly one alert for the burst, got %d", len(sink.alerts))
	}
	if obs.count["high"] != 1 {
		t.Errorf("expected one flagged metric, got %v", obs.count)
	}
}

func TestDetector_BelowThresholdNotFlagged(t *testing.T) {
	d, _, sink, _ := newTestDetector(Thresholds{})
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, _ = d.RecordActivity(ctx, "u-1", "s-1", true)
	}
	a, _ := d.CheckAnomalous(ctx, "u-1", "s-1")
	if a.Flagged || a.Score != 50 {
		t.Errorf("expected unflagged session at threshold with score 50, got %+v", a)
	}
	if len(sink.alerts) != 0 {
		t.Error("no alert expected")
	}
}

func TestDetector_FlagPersistsUntilWindowRolls(t *testing.T) {
	d, clock, _, _ := newTestDetector(Thresholds{})
	ctx := context.Background()
	for i := 0; i < 16; i++ {
		_, _ = d.RecordActivity(ctx, "u-1", "s-1", true)
	}
	clock.Advance(4 * time.Minute)
	if a, _ := d.CheckAnomalous(ctx, "u-1", "s-1"); !a.Flagged {
		t.Fatal("flag must persist within the window")
	}
	act, _ := d.RecordActivity(ctx, "u-1", "s-1", false)
	if !act.Flagged {
		t.Error("activity within the flagged window must report flagged")
	}

	clock.Advance(time.Minute)
	if a, _ := d.CheckAnomalous(ctx, "u-1", "s-1"); a.Flagged || a.RequestCount != 0 {
		t.Errorf("expected reset after window roll, got %+v", a)
	}
	act, _ = d.RecordActivity(ctx, "u-1", "s-1", true)
	if act.Flagged || act.PHIAccessCount != 1 || act.RequestCount != 1 {
		t.Errorf("expected fresh window, got %+v", act)
	}
}

func TestDetector_RequestThresholdIsMedium(t *testing.T) {
	d, _, sink, _ := newTestDetector(Thresholds{RequestThreshold: 5})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _ = d.RecordActivity(ctx, "u-1", "s-1", false)
	}
	a, _ := d.CheckAnomalous(ctx, "u-1", "s-1")
	if !a.Flagged || a.Severity != SeverityMedium {
		t.Errorf("expected medium flag, got %+v", a)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Severity != alerts.SeverityMedium {
		t.Errorf("expected one medium alert, got %+v", sink.alerts)
	}
}

func TestDetector_SessionsAreIndependent(t *testing.T) {
	d, _, _, _ := newTestDetector(Thresholds{})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, _ = d.RecordActivity(ctx, "u-1", "s-1", true)
	}
	_, _ = d.RecordActivity(ctx, "u-1", "s-2", true)
	if a, _ := d.CheckAnomalous(ctx, "u-1", "s-2"); a.Flagged || a.PHIAccessCount != 1 {
		t.Errorf("other session must not inherit the flag: %+v", a)
	}
}

func TestDetector_AnonymousNotTracked(t *testing.T) {
	store := NewMemoryStore()
	d := NewDetector(store, Thresholds{}, nil, zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := d.RecordActivity(context.Background(), "", "s", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if store.Len() != 0 {
		t.Error("anonymous activity must not create session state")
	}
}

func TestDetector_ConcurrentRecordsNoLostUpdates(t *testing.T) {
	d, _, sink, _ := newTestDetector(Thresholds{PHIThreshold: 1000, RequestThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = d.RecordActivity(ctx, "u-1", "s-1", j%2 == 0)
			}
		}()
	}
	wg.Wait()

	a, _ := d.CheckAnomalous(ctx, "u-1", "s-1")
	if a.RequestCount != 500 || a.PHIAccessCount != 250 {
		t.Errorf("expected 500 requests and 250 PHI accesses, got %d and %d", a.RequestCount, a.PHIAccessCount)
	}
	if len(sink.alerts) != 0 {
		t.Error("no alerts expected below thresholds")
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Record(context.Context, Key, bool, time.Time, time.Duration) (Activity, error) {
	return Activity{}, errors.New("counter store unavailable")
}

func TestDetector_StoreErrorSurfaces(t *testing.T) {
	d := NewDetector(&failingStore{}, Thresholds{}, nil, zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := d.RecordActivity(context.Background(), "u", "s", true); err == nil {
		t.Fatal("expected store error")
	}
}

func TestHandler_GetSession(t *testing.T) {
	d, _, _, _ := newTestDetector(Thresholds{})
	for i := 0; i < 17; i++ {
		_, _ = d.RecordActivity(context.Background(), "u-9", "s-9", true)
	}
	h := NewHandler(d)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/anomaly/sessions/u-9/s-9", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("user", "session")
	c.SetParamValues("u-9", "s-9")
	if err := h.HandleGetSession(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Assessment.Flagged || body.Assessment.PHIAccessCount != 17 {
		t.Errorf("unexpected assessment: %+v", body.Assessment)
	}
}
