package hipaa

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RetentionPolicy overrides the audit retention horizon for one resource type.
type RetentionPolicy struct {
	ResourceType  string `json:"resource_type"`
	RetentionDays int    `json:"retention_days"`
	Description   string `json:"description"`
}

// RetentionPolicies resolves the retention horizon stamped on new entries.
type RetentionPolicies struct {
	defaultDays int
	byType      map[string]RetentionPolicy
}

// DefaultRetentionPolicies returns the built-in overrides. Audit trails for
// billing follow the longer CMS horizon; everything else uses the default.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			ResourceType:  "billing",
			RetentionDays: 2920, // 8 years
			Description:   "Billing access trails: IRS and CMS retention plus one year",
		},
		{
			ResourceType:  "consents",
			RetentionDays: 3650, // 10 years
			Description:   "Consent access trails: kept for the life of the authorization",
		},
	}
}

// NewRetentionPolicies builds a resolver. defaultDays <= 0 means DefaultRetentionDays.
func NewRetentionPolicies(defaultDays int, policies []RetentionPolicy) *RetentionPolicies {
	if defaultDays <= 0 {
		defaultDays = DefaultRetentionDays
	}
	m := make(map[string]RetentionPolicy, len(policies))
	for _, p := range policies {
		m[p.ResourceType] = p
	}
	return &RetentionPolicies{defaultDays: defaultDays, byType: m}
}

// DaysFor returns the retention horizon for entries about resourceType.
// Overrides may lengthen but never shorten the default.
func (r *RetentionPolicies) DaysFor(resourceType string) int {
	if p, ok := r.byType[resourceType]; ok && p.RetentionDays > r.defaultDays {
		return p.RetentionDays
	}
	return r.defaultDays
}

// SweepObserver receives the result of each sweep.
type SweepObserver interface {
	ObserveRetentionSweep(removed int, err error)
}

// RetentionSweeper runs the audit retention sweep on an interval and on demand.
type RetentionSweeper struct {
	log      *AuditLog
	interval time.Duration
	logger   zerolog.Logger
	observer SweepObserver
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	lastN   int
}

// NewRetentionSweeper creates a sweeper. A non-positive interval defaults to 24h.
func NewRetentionSweeper(log *AuditLog, interval time.Duration, logger zerolog.Logger, observer SweepObserver) *RetentionSweeper {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionSweeper{
		log:      log,
		interval: interval,
		logger:   logger.With().Str("component", "retention-sweeper").Logger(),
		observer: observer,
		now:      time.Now,
	}
}

// SweepNow runs one sweep. Concurrent calls are serialized.
func (s *RetentionSweeper) SweepNow(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	n, err := s.log.SweepRetention(ctx, now)
	if s.observer != nil {
		s.observer.ObserveRetentionSweep(n, err)
	}
	if err != nil {
		return 0, err
	}
	s.lastRun, s.lastN = now, n
	return n, nil
}

// LastRun reports when the last successful sweep ran and what it removed.
func (s *RetentionSweeper) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastN
}

// Run sweeps every interval until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("retention sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retention sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepNow(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled retention sweep failed")
			}
		}
	}
}
