package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Denial reasons recorded with ACCESS_DENIED entries.
const (
	ReasonUnauthenticated  = "unauthenticated"
	ReasonAdminOnly        = "admin_only_permission"
	ReasonNotGranted       = "permission_not_granted"
	ReasonEvaluationFailed = "authorization_evaluation_failed"
	ReasonAuditUnavailable = "audit_unavailable"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	DeniedReason string    `json:"denied_reason,omitempty"`
	Permission   string    `json:"permission"`
	Role         string    `json:"role,omitempty"`
	AuditEntryID uuid.UUID `json:"audit_entry_id"`
}

// DecisionRecorder persists an authorization decision as an audit entry
// and returns the entry id.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, caller *Caller, d Decision) (uuid.UUID, error)
}

// Gate decides whether a caller may exercise a permission. Every decision,
// including denials of anonymous callers, is recorded before it is returned.
type Gate struct {
	matrix   Matrix
	recorder DecisionRecorder
	logger   zerolog.Logger
}

func NewGate(matrix Matrix, recorder DecisionRecorder, logger zerolog.Logger) *Gate {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &Gate{
		matrix:   matrix,
		recorder: recorder,
		logger:   logger.With().Str("component", "authz-gate").Logger(),
	}
}

// Authorize evaluates permission for caller. A grant that cannot be recorded
// is returned as a denial.
func (g *Gate) Authorize(ctx context.Context, caller *Caller, permission string) Decision {
	d := Decision{Permission: permission, Role: caller.role()}
	d.Allowed, d.DeniedReason = g.evaluate(ctx, caller, permission)

	id, err := g.recorder.RecordDecision(ctx, caller, d)
	if err != nil {
		g.logger.Error().Err(err).
			Str("user_id", caller.userID()).
			Str("permission", permission).
			Bool("allowed", d.Allowed).
			Msg("failed to record authorization decision")
		if d.Allowed {
			d.Allowed = false
			d.DeniedReason = ReasonAuditUnavailable
		}
		return d
	}
	d.AuditEntryID = id
	return d
}

func (g *Gate) evaluate(ctx context.Context, caller *Caller, permission string) (allowed bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Str("permission", permission).Msg("authorization evaluation panicked")
			allowed, reason = false, ReasonEvaluationFailed
		}
	}()

	resource, action, err := ParsePermission(permission)
	if err != nil {
		g.logger.Warn().Err(err).Msg("authorization evaluation failed")
		return false, ReasonEvaluationFailed
	}

	if IsAdminOnly(permission) {
		if caller.role() == RoleAdmin && caller.userID() != "" {
			return true, ""
		}
		return false, ReasonAdminOnly
	}

	if caller.userID() == "" {
		return false, ReasonUnauthenticated
	}

	grants, err := g.matrix.Grants(ctx, caller.Role)
	if err != nil {
		g.logger.Warn().Err(err).Str("role", caller.Role).Msg("role matrix lookup failed")
		return false, ReasonEvaluationFailed
	}
	for _, granted := range grants {
		if matchPermission(granted, resource, action) {
			return true, ""
		}
	}
	return false, ReasonNotGranted
}
