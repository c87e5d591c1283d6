package hipaa

import "errors"

// Error taxonomy shared by the compliance core. Callers match with errors.Is;
// messages returned to end users are produced by PublicError, never from the
// wrapped chain.
var (
	// ErrAuthorizationDenied means the caller lacks the requested permission.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrAuditPersistence means an audit entry could not be stored.
	ErrAuditPersistence = errors.New("audit persistence failed")
	// ErrIntegrityViolation means ciphertext was tampered with or the wrong key was presented.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrKeyNotFound means no key exists for the requested key id or owner.
	ErrKeyNotFound = errors.New("encryption key not found")
	// ErrInvalidInput covers nil plaintext and malformed classification input.
	ErrInvalidInput = errors.New("invalid input")

	ErrImmutableEntry   = errors.New("audit entries are append-only")
	ErrEntryNotFound    = errors.New("audit entry not found")
	ErrRotationConflict = errors.New("concurrent key rotation")
)

// Error codes surfaced to collaborators in structured error bodies.
const (
	CodeAccessDenied  = "ACCESS_DENIED"
	CodeAuditFailure  = "AUDIT_FAILURE"
	CodeCannotProcess = "CANNOT_PROCESS"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeNotFound      = "NOT_FOUND"
	CodeInternal      = "INTERNAL_ERROR"
)

// ErrorBody is the structured error returned to callers. It never carries
// internal schema, query text, or stack details.
type ErrorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// PublicError maps an internal error to an HTTP status and a generic body.
// Integrity and key errors share one message so the response does not reveal
// which check failed.
func PublicError(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, ErrAuthorizationDenied):
		return 403, ErrorBody{Error: "access denied", Code: CodeAccessDenied}
	case errors.Is(err, ErrAuditPersistence):
		return 503, ErrorBody{Error: "audit logging failed, operation cannot proceed", Code: CodeAuditFailure}
	case errors.Is(err, ErrIntegrityViolation), errors.Is(err, ErrKeyNotFound):
		return 422, ErrorBody{Error: "cannot process request", Code: CodeCannotProcess}
	case errors.Is(err, ErrInvalidInput):
		return 400, ErrorBody{Error: "invalid request", Code: CodeInvalidInput}
	case errors.Is(err, ErrEntryNotFound):
		return 404, ErrorBody{Error: "not found", Code: CodeNotFound}
	default:
		return 500, ErrorBody{Error: "internal server error", Code: CodeInternal}
	}
}
