// Package alerts is the operational alert channel: anomaly flags and
// best-effort audit failures are published here for review, never to the
// caller.
package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Alert types.
const (
	TypeSuspiciousSession     = "suspicious_session"
	TypeAuditPersistenceFault = "audit_persistence_failure"
	TypeAuditRecordFault      = "audit_record_failure"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is one operational signal. It never carries PHI values.
type Alert struct {
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Score     int               `json:"score,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink publishes alerts.
type Sink interface {
	Publish(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Publish(_ context.Context, a Alert) error {
	ev := s.logger.Warn()
	if a.Severity == SeverityHigh {
		ev = s.logger.Error()
	}
	ev = ev.Str("alert_type", a.Type).
		Str("severity", string(a.Severity)).
		Str("user_id", a.UserID).
		Str("session_id", a.SessionID).
		Str("request_id", a.RequestID).
		Int("score", a.Score).
		Time("alert_ts", a.Timestamp)
	for k, v := range a.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(a.Message)
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Publish(context.Context, Alert) error { return nil }
