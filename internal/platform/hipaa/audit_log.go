package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	maxExportRows      = 50000
)

// AppendObserver receives the outcome of every append attempt.
type AppendObserver interface {
	ObserveAuditAppend(action string, success bool, elapsed time.Duration)
}

// AuditLog is the append-only audit service. It validates, seals and
// persists entries, and serves search, verification, reports and retention.
type AuditLog struct {
	store    AuditStore
	sealer   *Sealer
	logger   zerolog.Logger
	observer AppendObserver
	now      func() time.Time
}

// AuditLogOption configures an AuditLog.
type AuditLogOption func(*AuditLog)

// WithAppendObserver registers an observer for append outcomes.
func WithAppendObserver(o AppendObserver) AuditLogOption {
	return func(l *AuditLog) { l.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuditLogOption {
	return func(l *AuditLog) { l.now = now }
}

// NewAuditLog creates an audit log over store.
func NewAuditLog(store AuditStore, sealer *Sealer, logger zerolog.Logger, opts ...AuditLogOption) *AuditLog {
	l := &AuditLog{
		store:  store,
		sealer: sealer,
		logger: logger.With().Str("component", "audit-log").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates, seals and persists entry, returning its id. Any failure
// wraps ErrAuditPersistence so fail-closed callers can detect it.
func (l *AuditLog) Append(ctx context.Context, entry *AuditEntry) (uuid.UUID, error) {
	start := l.now()
	entry.normalize(start)

	err := entry.Validate()
	if err == nil {
		l.sealer.Seal(entry)
		err = l.store.Insert(ctx, entry)
	}
	if l.observer != nil {
		l.observer.ObserveAuditAppend(string(entry.Action), err == nil, l.now().Sub(start))
	}
	if err != nil {
		l.logger.Error().Err(err).
			Str("entry_id", entry.ID.String()).
			Str("request_id", entry.RequestID).
			Str("action", string(entry.Action)).
			Str("resource_type", entry.ResourceType).
			Msg("audit append failed")
		return uuid.Nil, fmt.Errorf("%w: %w", ErrAuditPersistence, err)
	}

	l.logger.Debug().
		Str("entry_id", entry.ID.String()).
		Str("request_id", entry.RequestID).
		Str("user_id", entry.UserID()).
		Str("action", string(entry.Action)).
		Str("resource_type", entry.ResourceType).
		Int("risk_score", entry.RiskScore).
		Msg("audit entry appended")
	return entry.ID, nil
}

// Get returns a single entry.
func (l *AuditLog) Get(ctx context.Context, id uuid.UUID) (*AuditEntry, error) {
	return l.store.Get(ctx, id)
}

// VerifyResult reports whether a stored entry still matches its digest.
type VerifyResult struct {
	ID    uuid.UUID `json:"id"`
	Valid bool      `json:"valid"`
}

// Verify recomputes the integrity digest of a stored entry.
func (l *AuditLog) Verify(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok := l.sealer.Verify(e)
	if !ok {
		l.logger.Warn().Str("entry_id", id.String()).Msg("audit entry failed integrity verification")
	}
	return &VerifyResult{ID: id, Valid: ok}, nil
}

// AuditPage is one page of search results.
type AuditPage struct {
	Entries []*AuditEntry `json:"entries"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// Search returns a page of entries. The time window is mandatory.
func (l *AuditLog) Search(ctx context.Context, q AuditQuery) (*AuditPage, error) {
	if err := checkWindow(q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	entries, total, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search audit log: %w", err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return &AuditPage{Entries: entries, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// Export returns every matching entry in the window, capped at maxExportRows.
func (l *AuditLog) Export(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	if err := checkWindow(q.Start, q.End); err != nil {
		return nil, err
	}
	q.Limit = maxExportRows
	q.Offset = 0
	entries, _, err := l.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("export audit log: %w", err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return entries, nil
}

// SweepRetention deletes entries past their retention horizon and returns
// the number of entries removed.
func (l *AuditLog) SweepRetention(ctx context.Context, now time.Time) (int, error) {
	n, err := l.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	l.logger.Info().Int("removed", n).Time("as_of", now).Msg("retention sweep completed")
	return n, nil
}

func checkWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidInput)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end precedes start", ErrInvalidInput)
	}
	return nil
}
