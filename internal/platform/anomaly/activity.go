// Package anomaly keeps per-session access counters over a tumbling window
// and flags sessions whose PHI access rate exceeds configured thresholds.
// Flags are advisory and never block a request.
package anomaly

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Key identifies one tracked session.
type Key struct {
	UserID    string
	SessionID string
}

// Activity is the working state for one session within the current window.
type Activity struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	RequestCount   int64     `json:"request_count"`
	PHIAccessCount int64     `json:"phi_access_count"`
	WindowStart    time.Time `json:"window_start"`
	Score          int       `json:"score"`
	Flagged        bool      `json:"flagged"`
}

// Assessment is the result of checking a session.
type Assessment struct {
	Flagged        bool      `json:"flagged"`
	Score          int       `json:"score"`
	RequestCount   int64     `json:"request_count"`
	PHIAccessCount int64     `json:"phi_access_count"`
	Severity       Severity  `json:"severity"`
	WindowStart    time.Time `json:"window_start,omitempty"`
}

// Thresholds configure the detector.
type Thresholds struct {
	Window           time.Duration
	PHIThreshold     int64
	RequestThreshold int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:           5 * time.Minute,
		PHIThreshold:     15,
		RequestThreshold: 300,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Window <= 0 {
		t.Window = d.Window
	}
	if t.PHIThreshold <= 0 {
		t.PHIThreshold = d.PHIThreshold
	}
	if t.RequestThreshold <= 0 {
		t.RequestThreshold = d.RequestThreshold
	}
	return t
}

// Store holds session counters. Record must be a single atomic
// read-modify-write per key.
type Store interface {
	// Record rolls an expired window, increments the counters and returns
	// the updated activity.
	Record(ctx context.Context, key Key, phi bool, now time.Time, window time.Duration) (Activity, error)
	// Load returns the live activity for key, or a zero Activity if the
	// window has expired or the key is unknown.
	Load(ctx context.Context, key Key, now time.Time, window time.Duration) (Activity, error)
	// Flag marks the window that started at windowStart as flagged. It
	// reports true only for the call that set the flag.
	Flag(ctx context.Context, key Key, windowStart time.Time, score int) (bool, error)
}

func expired(start, now time.Time, window time.Duration) bool {
	return start.IsZero() || !now.Before(start.Add(window))
}
