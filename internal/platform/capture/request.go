// Package capture runs the per-request audit pipeline: authorize, let the
// handler run, classify the result, persist the audit entry and update the
// session counters. Release of the response is gated on persistence for
// PHI-bearing operations.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Stage is a request's position in the capture state machine.
type Stage int

const (
	StageStarted Stage = iota
	StageAuthorized
	StageDenied
	StageHandled
	StageClassified
	StagePersisted
	StageAnomalyChecked
	StageAborted
)

var stageNames = map[Stage]string{
	StageStarted:        "STARTED",
	StageAuthorized:     "AUTHORIZED",
	StageDenied:         "DENIED",
	StageHandled:        "HANDLED",
	StageClassified:     "CLASSIFIED",
	StagePersisted:      "PERSISTED",
	StageAnomalyChecked: "ANOMALY_CHECKED",
	StageAborted:        "ABORTED",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// PersistMode selects how an entry is written.
type PersistMode string

const (
	ModeBestEffort PersistMode = "best_effort"
	ModeFailClosed PersistMode = "fail_closed"
)

// Operation describes the inbound request as seen by the routing layer.
type Operation struct {
	Method string
	// Path is the concrete request path, Route the registered template.
	Path  string
	Route string
	// Permission is the resource:action pair the gate evaluates.
	Permission string
	// Action overrides the verb derived from the method.
	Action           hipaa.Action
	RequestID        string
	RequestBody      []byte
	ClientIP         string
	UserAgent        string
	SessionID        string
	Justification    string
	LegalBasis       hipaa.LegalBasis
	MinimumNecessary string
	BreakGlassReason string
}

// EmergencyOverride reports whether the caller declared break-glass access.
func (o Operation) EmergencyOverride() bool {
	return o.BreakGlassReason != ""
}

// Request is the pipeline's per-request state. It is owned by a single
// request goroutine.
type Request struct {
	ID       string
	Caller   *auth.Caller
	Op       Operation
	Start    time.Time
	stage    Stage
	decision auth.Decision
}

func (r *Request) Stage() Stage            { return r.stage }
func (r *Request) Decision() auth.Decision { return r.decision }

// SessionID prefers the caller's token session over the header value.
func (r *Request) SessionID() string {
	if r.Caller != nil && r.Caller.SessionID != "" {
		return r.Caller.SessionID
	}
	return r.Op.SessionID
}

func (r *Request) actor() *hipaa.Actor {
	if r.Caller == nil {
		return nil
	}
	return &hipaa.Actor{UserID: r.Caller.UserID, Role: r.Caller.Role, DisplayName: r.Caller.DisplayName}
}

// Result is what the handler produced.
type Result struct {
	StatusCode int
	Body       []byte
}

// Outcome tells the adapter whether the response may be released.
type Outcome struct {
	EntryID   uuid.UUID
	Release   bool
	Mode      PersistMode
	RiskScore int
	Flags     []hipaa.ComplianceFlag
}

type requestKey struct{}

// WithRequest stores the pipeline request in ctx.
func WithRequest(ctx context.Context, r *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFromContext returns the pipeline request stored in ctx, or nil.
func RequestFromContext(ctx context.Context) *Request {
	r, _ := ctx.Value(requestKey{}).(*Request)
	return r
}
