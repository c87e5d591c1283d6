package capture

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// DecisionObserver counts authorization outcomes.
type DecisionObserver interface {
	ObserveDecision(allowed bool, reason string)
}

// GateRecorder persists authorization decisions as ACCESS_GRANTED and
// ACCESS_DENIED entries. Decisions are always written synchronously: the
// gate turns an unrecorded grant into a denial.
type GateRecorder struct {
	audit      hipaa.Appender
	classifier *hipaa.Classifier
	cfg        Config
	observer   DecisionObserver
	logger     zerolog.Logger
	now        func() time.Time
}

func NewGateRecorder(audit hipaa.Appender, classifier *hipaa.Classifier, cfg Config, observer DecisionObserver, logger zerolog.Logger) *GateRecorder {
	if classifier == nil {
		classifier = hipaa.NewClassifier(nil, nil, nil)
	}
	return &GateRecorder{
		audit:      audit,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		observer:   observer,
		logger:     logger.With().Str("component", "authz-recorder").Logger(),
		now:        time.Now,
	}
}

func (g *GateRecorder) RecordDecision(ctx context.Context, caller *auth.Caller, d auth.Decision) (uuid.UUID, error) {
	if g.observer != nil {
		g.observer.ObserveDecision(d.Allowed, d.DeniedReason)
	}

	entry := &hipaa.AuditEntry{
		Action:    hipaa.ActionAccessDenied,
		Timestamp: g.now().UTC(),
		Success:   d.Allowed,
		Metadata: hipaa.EntryMetadata{
			PermissionRequested: d.Permission,
			DenialReason:        d.DeniedReason,
		},
	}
	if caller != nil {
		entry.Actor = &hipaa.Actor{UserID: caller.UserID, Role: caller.Role, DisplayName: caller.DisplayName}
		entry.SessionID = caller.SessionID
	}
	if d.Allowed {
		entry.Action = hipaa.ActionAccessGranted
		entry.StatusCode = http.StatusOK
	} else {
		entry.StatusCode = http.StatusForbidden
		entry.Metadata.FailureReason = d.DeniedReason
	}

	if r := RequestFromContext(ctx); r != nil {
		entry.RequestID = r.ID
		entry.Method = r.Op.Method
		entry.Path = r.Op.Path
		entry.ClientIP = r.Op.ClientIP
		entry.UserAgent = r.Op.UserAgent
		entry.SessionID = r.SessionID()
		entry.Justification = r.Op.Justification
		entry.LegalBasis = r.Op.LegalBasis
		entry.MinimumNecessary = r.Op.MinimumNecessary
		entry.Metadata.BreakGlassReason = r.Op.BreakGlassReason
		entry.ResourceType = g.resourceFor(r.Op)
	}
	if entry.ResourceType == "" {
		entry.ResourceType, _, _ = strings.Cut(d.Permission, ":")
	}

	risk := hipaa.RiskInput{
		Action:            entry.Action,
		ResourceType:      entry.ResourceType,
		Timestamp:         entry.Timestamp,
		Location:          g.cfg.Location,
		LegalBasis:        entry.LegalBasis,
		EmergencyOverride: entry.Metadata.BreakGlassReason != "",
	}
	entry.RiskScore = hipaa.ScoreRisk(risk)
	entry.Flags = hipaa.DeriveFlags(risk)
	entry.Classification = classify(entry.ResourceType, false)
	entry.RetentionDays = g.cfg.Retention.DaysFor(entry.ResourceType)

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.FailClosedTimeout)
	defer cancel()
	id, err := g.audit.Append(actx, entry)
	if err != nil {
		g.logger.Error().Err(err).
			Str("user_id", entry.UserID()).
			Str("permission", d.Permission).
			Bool("allowed", d.Allowed).
			Msg("authorization decision not recorded")
		return uuid.Nil, err
	}
	return id, nil
}

func (g *GateRecorder) resourceFor(op Operation) string {
	if op.Route != "" {
		if rt, ok := g.classifier.ResourceForRoute(op.Route); ok {
			return rt
		}
	}
	return g.classifier.Classify(op.Path, hipaa.Null(), hipaa.Null()).ResourceType
}
