package hipaa

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is the verb recorded on an audit entry.
type Action string

const (
	ActionRead          Action = "READ"
	ActionCreate        Action = "CREATE"
	ActionUpdate        Action = "UPDATE"
	ActionDelete        Action = "DELETE"
	ActionSearch        Action = "SEARCH"
	ActionExport        Action = "EXPORT"
	ActionBulkRead      Action = "BULK_READ"
	ActionBulkCreate    Action = "BULK_CREATE"
	ActionBulkUpdate    Action = "BULK_UPDATE"
	ActionBulkDelete    Action = "BULK_DELETE"
	ActionAccessDenied  Action = "ACCESS_DENIED"
	ActionAccessGranted Action = "ACCESS_GRANTED"

	ActionEncryption  Action = "encryption"
	ActionDecryption  Action = "decryption"
	ActionKeyRotation Action = "key_rotation"
)

// IsBulk reports whether the action is one of the BULK_* verbs.
func (a Action) IsBulk() bool {
	switch a {
	case ActionBulkRead, ActionBulkCreate, ActionBulkUpdate, ActionBulkDelete:
		return true
	}
	return false
}

// LegalBasis is the HIPAA permitted-use tag attached to an access.
type LegalBasis string

const (
	LegalBasisTreatment  LegalBasis = "TREATMENT"
	LegalBasisPayment    LegalBasis = "PAYMENT"
	LegalBasisOperations LegalBasis = "OPERATIONS"
	LegalBasisEmergency  LegalBasis = "EMERGENCY"
)

// ParseLegalBasis returns the legal basis for s, defaulting to TREATMENT for
// empty or unrecognised values.
func ParseLegalBasis(s string) LegalBasis {
	lb := LegalBasis(strings.ToUpper(strings.TrimSpace(s)))
	switch lb {
	case LegalBasisPayment, LegalBasisOperations, LegalBasisEmergency:
		return lb
	}
	return LegalBasisTreatment
}

// DataClassification tags the sensitivity of the data touched.
type DataClassification string

const (
	ClassificationPHI       DataClassification = "PHI"
	ClassificationPII       DataClassification = "PII"
	ClassificationSensitive DataClassification = "SENSITIVE"
)

// FieldType describes how a PHI field was stored.
type FieldType string

const (
	FieldPlaintext FieldType = "plaintext"
	FieldEncrypted FieldType = "encrypted"
	FieldHashed    FieldType = "hashed"
)

// DefaultRetentionDays is the audit retention horizon (~7 years).
const DefaultRetentionDays = 2555

// MetadataSchemaVersion versions EntryMetadata so reports can evolve safely.
const MetadataSchemaVersion = 2

// Actor identifies the caller. A nil *Actor means anonymous or failed auth.
type Actor struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// EntryMetadata is the closed, versioned schema for data that would otherwise
// end up in a free-form bag on the audit row.
type EntryMetadata struct {
	SchemaVersion       int      `json:"schema_version"`
	PermissionRequested string   `json:"permission_requested,omitempty"`
	DenialReason        string   `json:"denial_reason,omitempty"`
	FailureReason       string   `json:"failure_reason,omitempty"`
	KeyID               string   `json:"key_id,omitempty"`
	PreviousKeyID       string   `json:"previous_key_id,omitempty"`
	OwnerEntityID       string   `json:"owner_entity_id,omitempty"`
	PlaintextHashes     []string `json:"plaintext_hashes,omitempty"`
	RecordCount         int      `json:"record_count,omitempty"`
	AnomalyScore        int      `json:"anomaly_score,omitempty"`
	BreakGlassReason    string   `json:"break_glass_reason,omitempty"`
	RuleSetVersion      string   `json:"rule_set_version,omitempty"`
	PersistMode         string   `json:"persist_mode,omitempty"`
	Recipient           string   `json:"recipient,omitempty"`
	RecipientType       string   `json:"recipient_type,omitempty"`
	DisclosurePurpose   string   `json:"disclosure_purpose,omitempty"`
	DisclosureMethod    string   `json:"disclosure_method,omitempty"`
	DisclosedResource   string   `json:"disclosed_resource,omitempty"`
	Description         string   `json:"description,omitempty"`
}

// PHIAccessDetail records one PHI field surfaced or mutated by an operation.
type PHIAccessDetail struct {
	FieldName     string    `json:"field_name"`
	FieldType     FieldType `json:"field_type"`
	Decrypted     bool      `json:"decrypted"`
	PatientID     string    `json:"patient_id,omitempty"`
	Justification string    `json:"justification,omitempty"`
}

// AuditEntry is one audited operation. It is sealed with an integrity digest
// on append and never modified afterwards.
type AuditEntry struct {
	ID               uuid.UUID          `json:"id"`
	Actor            *Actor             `json:"actor"`
	Action           Action             `json:"action"`
	ResourceType     string             `json:"resource_type"`
	ResourceIDs      []string           `json:"resource_ids,omitempty"`
	PatientIDs       []string           `json:"patient_ids,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	ClientIP         string             `json:"client_ip,omitempty"`
	UserAgent        string             `json:"user_agent,omitempty"`
	SessionID        string             `json:"session_id,omitempty"`
	RequestID        string             `json:"request_id,omitempty"`
	Method           string             `json:"method,omitempty"`
	Path             string             `json:"path,omitempty"`
	Justification    string             `json:"justification,omitempty"`
	LegalBasis       LegalBasis         `json:"legal_basis"`
	Success          bool               `json:"success"`
	StatusCode       int                `json:"status_code"`
	Latency          time.Duration      `json:"latency"`
	ResponseSize     int64              `json:"response_size"`
	MinimumNecessary string             `json:"minimum_necessary,omitempty"`
	Classification   DataClassification `json:"data_classification,omitempty"`
	PHIAccessed      bool               `json:"phi_accessed"`
	Flags            []ComplianceFlag   `json:"compliance_flags,omitempty"`
	RiskScore        int                `json:"risk_score"`
	RetentionDays    int                `json:"retention_days"`
	IntegrityDigest  string             `json:"integrity_digest"`
	Metadata         EntryMetadata      `json:"metadata"`
	Details          []PHIAccessDetail  `json:"phi_details,omitempty"`
}

// UserID returns the actor's user id, or "" for anonymous entries.
func (e *AuditEntry) UserID() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.UserID
}

// Role returns the actor's role, or "" for anonymous entries.
func (e *AuditEntry) Role() string {
	if e.Actor == nil {
		return ""
	}
	return e.Actor.Role
}

// HasFlag reports whether flag is set on the entry.
func (e *AuditEntry) HasFlag(flag ComplianceFlag) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ExpiresAt is the instant after which the retention sweep may delete the entry.
func (e *AuditEntry) ExpiresAt() time.Time {
	days := e.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return e.Timestamp.AddDate(0, 0, days)
}

// Validate checks the entry's structural invariants. An entry may never assert
// PHI access without naming the resource it touched.
func (e *AuditEntry) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: audit entry requires an action", ErrInvalidInput)
	}
	if e.PHIAccessed && e.ResourceType == "" {
		return fmt.Errorf("%w: phi_accessed entry requires a resource type", ErrInvalidInput)
	}
	if e.RiskScore < 0 || e.RiskScore > 100 {
		return fmt.Errorf("%w: risk score %d out of range", ErrInvalidInput, e.RiskScore)
	}
	if e.RetentionDays < 0 {
		return fmt.Errorf("%w: negative retention", ErrInvalidInput)
	}
	return nil
}

// Clone returns a deep copy so stores never share slices with callers.
func (e *AuditEntry) Clone() *AuditEntry {
	cp := *e
	if e.Actor != nil {
		a := *e.Actor
		cp.Actor = &a
	}
	cp.ResourceIDs = append([]string(nil), e.ResourceIDs...)
	cp.PatientIDs = append([]string(nil), e.PatientIDs...)
	cp.Flags = append([]ComplianceFlag(nil), e.Flags...)
	cp.Details = append([]PHIAccessDetail(nil), e.Details...)
	cp.Metadata.PlaintextHashes = append([]string(nil), e.Metadata.PlaintextHashes...)
	return &cp
}

// normalize fills defaults before sealing.
func (e *AuditEntry) normalize(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	// storage keeps microsecond precision; the digest must survive a round trip
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if e.RetentionDays == 0 {
		e.RetentionDays = DefaultRetentionDays
	}
	if e.LegalBasis == "" {
		e.LegalBasis = LegalBasisTreatment
	}
	e.Metadata.SchemaVersion = MetadataSchemaVersion
	e.Flags = SortFlags(e.Flags)
	e.ResourceIDs = sortedUnique(e.ResourceIDs)
	e.PatientIDs = sortedUnique(e.PatientIDs)
}
