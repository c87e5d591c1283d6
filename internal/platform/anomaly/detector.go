package anomaly

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/alerts"
)

// Observer receives a signal whenever a session is newly flagged.
type Observer interface {
	ObserveSessionFlagged(severity string)
}

type Detector struct {
	store    Store
	th       Thresholds
	alerts   alerts.Sink
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithObserver(o Observer) Option {
	return func(d *Detector) { d.observer = o }
}

func NewDetector(store Store, th Thresholds, sink alerts.Sink, logger zerolog.Logger, opts ...Option) *Detector {
	if sink == nil {
		sink = alerts.Discard{}
	}
	d := &Detector{
		store:  store,
		th:     th.withDefaults(),
		alerts: sink,
		logger: logger.With().Str("component", "anomaly-detector").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Thresholds returns the effective thresholds.
func (d *Detector) Thresholds() Thresholds { return d.th }

// RecordActivity counts one request for the session. A session that crosses
// a threshold is flagged once per window and an alert is published.
// Anonymous requests are not tracked.
func (d *Detector) RecordActivity(ctx context.Context, userID, sessionID string, phiAccessed bool) (Activity, error) {
	if userID == "" {
		return Activity{}, nil
	}
	key := Key{UserID: userID, SessionID: sessionID}
	act, err := d.store.Record(ctx, key, phiAccessed, d.now().UTC(), d.th.Window)
	if err != nil {
		return Activity{}, err
	}

	a := d.assess(act)
	act.Score = a.Score
	if !a.Flagged || act.Flagged {
		return act, nil
	}

	newly, err := d.store.Flag(ctx, key, act.WindowStart, a.Score)
	if err != nil {
		return act, err
	}
	act.Flagged = true
	if newly {
		d.notify(ctx, key, a)
	}
	return act, nil
}

// CheckAnomalous reports the current state of a session without counting.
func (d *Detector) CheckAnomalous(ctx context.Context, userID, sessionID string) (Assessment, error) {
	act, err := d.store.Load(ctx, Key{UserID: userID, SessionID: sessionID}, d.now().UTC(), d.th.Window)
	if err != nil {
		return Assessment{}, err
	}
	a := d.assess(act)
	if act.Flagged {
		a.Flagged = true
		if act.Score > a.Score {
			a.Score = act.Score
		}
	}
	return a, nil
}

// assess scores an activity snapshot. The score is 50 at a threshold and
// grows linearly with the more severe of the two ratios, capped at 100.
func (d *Detector) assess(act Activity) Assessment {
	a := Assessment{
		RequestCount:   act.RequestCount,
		PHIAccessCount: act.PHIAccessCount,
		Severity:       SeverityNone,
		WindowStart:    act.WindowStart,
	}
	phiScore := act.PHIAccessCount * 50 / d.th.PHIThreshold
	reqScore := act.RequestCount * 50 / d.th.RequestThreshold
	score := phiScore
	if reqScore > score {
		score = reqScore
	}
	if score > 100 {
		score = 100
	}
	a.Score = int(score)

	switch {
	case act.PHIAccessCount > d.th.PHIThreshold:
		a.Flagged = true
		a.Severity = SeverityHigh
	case act.RequestCount > d.th.RequestThreshold:
		a.Flagged = true
		a.Severity = SeverityMedium
	}
	return a
}

func (d *Detector) notify(ctx context.Context, key Key, a Assessment) {
	d.logger.Warn().
		Str("user_id", key.UserID).
		Str("session_id", key.SessionID).
		Int64("phi_access_count", a.PHIAccessCount).
		Int64("request_count", a.RequestCount).
		Int("score", a.Score).
		Str("severity", string(a.Severity)).
		Msg("session flagged as suspicious")

	if d.observer != nil {
		d.observer.ObserveSessionFlagged(string(a.Severity))
	}

	sev := alerts.SeverityMedium
	if a.Severity == SeverityHigh {
		sev = alerts.SeverityHigh
	}
	err := d.alerts.Publish(ctx, alerts.Alert{
		Type:      alerts.TypeSuspiciousSession,
		Severity:  sev,
		UserID:    key.UserID,
		SessionID: key.SessionID,
		Score:     a.Score,
		Message:   "session exceeded access threshold",
		Fields: map[string]string{
			"window_start": a.WindowStart.Format(time.RFC3339),
		},
		Timestamp: d.now().UTC(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("user_id", key.UserID).Msg("failed to publish anomaly alert")
	}
}
