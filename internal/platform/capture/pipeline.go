package capture

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/anomaly"
	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Authorizer is the gate the pipeline wraps.
type Authorizer interface {
	Authorize(ctx context.Context, caller *auth.Caller, permission string) auth.Decision
}

// SessionTracker is the anomaly detector as seen by the pipeline.
type SessionTracker interface {
	RecordActivity(ctx context.Context, userID, sessionID string, phiAccessed bool) (anomaly.Activity, error)
	CheckAnomalous(ctx context.Context, userID, sessionID string) (anomaly.Assessment, error)
}

// PersistObserver receives fail-closed persistence outcomes.
type PersistObserver interface {
	ObservePersist(mode string, success bool)
}

type Pipeline struct {
	gate       Authorizer
	classifier *hipaa.Classifier
	audit      hipaa.Appender
	dispatcher *Dispatcher
	sessions   SessionTracker
	observer   PersistObserver
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Pipeline)

func WithSessionTracker(t SessionTracker) Option {
	return func(p *Pipeline) { p.sessions = t }
}

func WithPersistObserver(o PersistObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(gate Authorizer, classifier *hipaa.Classifier, audit hipaa.Appender, dispatcher *Dispatcher, cfg Config, logger zerolog.Logger, opts ...Option) *Pipeline {
	if classifier == nil {
		classifier = hipaa.NewClassifier(nil, nil, nil)
	}
	p := &Pipeline{
		gate:       gate,
		classifier: classifier,
		audit:      audit,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger.With().Str("component", "audit-capture").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classifier exposes the classifier the pipeline uses.
func (p *Pipeline) Classifier() *hipaa.Classifier { return p.classifier }

// Begin starts tracking a request.
func (p *Pipeline) Begin(_ context.Context, caller *auth.Caller, op Operation) *Request {
	id := op.RequestID
	if id == "" {
		id = uuid.NewString()
		op.RequestID = id
	}
	return &Request{
		ID:     id,
		Caller: caller,
		Op:     op,
		Start:  p.now().UTC(),
		stage:  StageStarted,
	}
}

// Authorize runs the gate. A denial has already been persisted by the
// gate's recorder, so the request moves straight to PERSISTED and
// ErrAuthorizationDenied is returned.
func (p *Pipeline) Authorize(ctx context.Context, r *Request) error {
	if r.stage != StageStarted {
		return fmt.Errorf("%w: request %s already authorized", hipaa.ErrInvalidInput, r.ID)
	}
	d := p.gate.Authorize(WithRequest(ctx, r), r.Caller, r.Op.Permission)
	r.decision = d
	if !d.Allowed {
		r.stage = StageDenied
		p.logger.Info().
			Str("request_id", r.ID).
			Str("user_id", callerID(r.Caller)).
			Str("permission", d.Permission).
			Str("reason", d.DeniedReason).
			Msg("access denied")
		r.stage = StagePersisted
		return fmt.Errorf("%w: %s", hipaa.ErrAuthorizationDenied, d.DeniedReason)
	}
	r.stage = StageAuthorized
	return nil
}

// Complete classifies the handler result, persists the audit entry and
// updates the session counters. When Outcome.Release is false the caller
// must discard the handler's response.
func (p *Pipeline) Complete(ctx context.Context, r *Request, res Result) (Outcome, error) {
	if r.stage != StageAuthorized {
		return Outcome{}, fmt.Errorf("%w: request %s is in stage %s", hipaa.ErrInvalidInput, r.ID, r.stage)
	}
	r.stage = StageHandled
	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}

	reqBody := parseBody(r.Op.RequestBody)
	cls := p.classifier.Classify(r.Op.Path, reqBody, parseBody(res.Body))
	r.stage = StageClassified

	entry, mode := p.buildEntry(ctx, r, res, reqBody, cls)
	out := Outcome{
		EntryID:   entry.ID,
		Mode:      mode,
		RiskScore: entry.RiskScore,
		Flags:     append([]hipaa.ComplianceFlag(nil), entry.Flags...),
	}

	if mode == ModeFailClosed {
		if err := p.persistSync(ctx, entry); err != nil {
			r.stage = StageAborted
			return out, err
		}
	} else {
		p.dispatcher.Submit(ctx, entry)
	}
	r.stage = StagePersisted
	out.Release = true

	p.trackSession(ctx, r, entry.PHIAccessed)
	r.stage = StageAnomalyChecked
	return out, nil
}

func (p *Pipeline) buildEntry(ctx context.Context, r *Request, res Result, reqBody hipaa.Value, cls hipaa.Classification) (*hipaa.AuditEntry, PersistMode) {
	resourceType := cls.ResourceType
	if resourceType == "" && r.Op.Route != "" {
		resourceType, _ = p.classifier.ResourceForRoute(r.Op.Route)
	}
	success := res.StatusCode < http.StatusBadRequest
	phi := cls.PHIDetected || (success && p.classifier.IsPHIResource(resourceType))
	if phi && resourceType == "" {
		resourceType = hipaa.UnknownPHIResource
	}

	ts := p.now().UTC()
	action := deriveAction(r.Op, reqBody)
	suspicious, anomalyScore := p.sessionFlagged(ctx, r)
	risk := hipaa.RiskInput{
		Action:            action,
		ResourceType:      resourceType,
		PatientCount:      len(cls.PatientIDs),
		Timestamp:         ts,
		Location:          p.cfg.Location,
		LegalBasis:        r.Op.LegalBasis,
		EmergencyOverride: r.Op.EmergencyOverride(),
		ResponseSize:      int64(len(res.Body)),
		SuspiciousSession: suspicious,
	}

	entry := &hipaa.AuditEntry{
		ID:               uuid.New(),
		Actor:            r.actor(),
		Action:           action,
		ResourceType:     resourceType,
		ResourceIDs:      cls.ResourceIDs,
		PatientIDs:       cls.PatientIDs,
		Timestamp:        ts,
		ClientIP:         r.Op.ClientIP,
		UserAgent:        r.Op.UserAgent,
		SessionID:        r.SessionID(),
		RequestID:        r.ID,
		Method:           r.Op.Method,
		Path:             r.Op.Path,
		Justification:    r.Op.Justification,
		LegalBasis:       r.Op.LegalBasis,
		Success:          success,
		StatusCode:       res.StatusCode,
		Latency:          ts.Sub(r.Start),
		ResponseSize:     int64(len(res.Body)),
		MinimumNecessary: r.Op.MinimumNecessary,
		Classification:   classify(resourceType, phi),
		PHIAccessed:      phi,
		Flags:            hipaa.DeriveFlags(risk),
		RiskScore:        hipaa.ScoreRisk(risk),
		RetentionDays:    p.cfg.Retention.DaysFor(resourceType),
		Details:          details(cls.Fields, cls.PatientIDs, r.Op.Justification),
		Metadata: hipaa.EntryMetadata{
			PermissionRequested: r.Op.Permission,
			AnomalyScore:        anomalyScore,
			BreakGlassReason:    r.Op.BreakGlassReason,
			RuleSetVersion:      cls.RuleSetVersion,
		},
	}
	if !success {
		entry.Metadata.FailureReason = http.StatusText(res.StatusCode)
	}

	mode := ModeBestEffort
	if phi || (isMutation(r.Op.Method) && p.classifier.IsPHIResource(resourceType)) || entry.RiskScore >= hipaa.HighRiskThreshold {
		mode = ModeFailClosed
	}
	entry.Metadata.PersistMode = string(mode)
	return entry, mode
}

// persistSync appends entry and waits at most FailClosedTimeout. The append
// is detached from request cancellation; only the deadline bounds it.
func (p *Pipeline) persistSync(ctx context.Context, entry *hipaa.AuditEntry) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FailClosedTimeout)
	defer cancel()

	type appendResult struct {
		err error
	}
	done := make(chan appendResult, 1)
	go func() {
		_, err := p.audit.Append(actx, entry)
		done <- appendResult{err: err}
	}()

	var err error
	select {
	case r := <-done:
		err = r.err
	case <-actx.Done():
		err = fmt.Errorf("%w: %w", hipaa.ErrAuditPersistence, actx.Err())
	}
	if p.observer != nil {
		p.observer.ObservePersist(string(ModeFailClosed), err == nil)
	}
	if err != nil {
		p.logger.Error().Err(err).
			Str("request_id", entry.RequestID).
			Str("user_id", entry.UserID()).
			Str("action", string(entry.Action)).
			Str("resource_type", entry.ResourceType).
			Int("risk_score", entry.RiskScore).
			Msg("fail-closed audit append failed, withholding response")
		return err
	}
	return nil
}

func (p *Pipeline) sessionFlagged(ctx context.Context, r *Request) (bool, int) {
	if p.sessions == nil || r.Caller == nil {
		return false, 0
	}
	a, err := p.sessions.CheckAnomalous(ctx, r.Caller.UserID, r.SessionID())
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", r.ID).Msg("session check failed")
		return false, 0
	}
	return a.Flagged, a.Score
}

func (p *Pipeline) trackSession(ctx context.Context, r *Request, phi bool) {
	if p.sessions == nil || r.Caller == nil {
		return
	}
	if _, err := p.sessions.RecordActivity(context.WithoutCancel(ctx), r.Caller.UserID, r.SessionID(), phi); err != nil {
		p.logger.Warn().Err(err).Str("request_id", r.ID).Msg("session activity not recorded")
	}
}

func callerID(c *auth.Caller) string {
	if c == nil {
		return ""
	}
	return c.UserID
}

// parseBody treats non-JSON payloads as carrying no fields.
func parseBody(b []byte) hipaa.Value {
	v, err := hipaa.ParseValue(b)
	if err != nil {
		return hipaa.Null()
	}
	return v
}
