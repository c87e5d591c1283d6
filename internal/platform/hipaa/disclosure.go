package hipaa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DisclosureResourceType is the resource type of disclosure entries.
const DisclosureResourceType = "disclosures"

// accountingYears is the look-back of an accounting of disclosures.
const accountingYears = 6

// Disclosure purposes outside treatment, payment and operations.
const (
	PurposePublicHealth    = "public-health"
	PurposeResearch        = "research"
	PurposeLawEnforcement  = "law-enforcement"
	PurposeJudicial        = "judicial"
	PurposeWorkerComp      = "workers-comp"
	PurposeDecedent        = "decedent"
	PurposeOrganDonation   = "organ-donation"
	PurposeHealthOversight = "health-oversight"
	PurposeOther           = "other"
)

var disclosurePurposes = map[string]bool{
	PurposePublicHealth:    true,
	PurposeResearch:        true,
	PurposeLawEnforcement:  true,
	PurposeJudicial:        true,
	PurposeWorkerComp:      true,
	PurposeDecedent:        true,
	PurposeOrganDonation:   true,
	PurposeHealthOversight: true,
	PurposeOther:           true,
}

// IsValidDisclosurePurpose checks whether purpose is a recognized value.
func IsValidDisclosurePurpose(purpose string) bool {
	return disclosurePurposes[purpose]
}

// DisclosureRequest describes PHI released to a third party.
type DisclosureRequest struct {
	PatientID     string    `json:"patient_id"`
	Recipient     string    `json:"recipient"`
	RecipientType string    `json:"recipient_type"`
	Purpose       string    `json:"purpose"`
	Method        string    `json:"method"`
	ResourceType  string    `json:"resource_type"`
	ResourceIDs   []string  `json:"resource_ids,omitempty"`
	Description   string    `json:"description,omitempty"`
	DisclosedAt   time.Time `json:"disclosed_at,omitempty"`
}

func (r *DisclosureRequest) validate() error {
	switch {
	case strings.TrimSpace(r.PatientID) == "":
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	case strings.TrimSpace(r.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	case !IsValidDisclosurePurpose(r.Purpose):
		return fmt.Errorf("%w: unknown disclosure purpose %q", ErrInvalidInput, r.Purpose)
	}
	return nil
}

// Disclosure is one line of a patient's accounting, read back from the
// audit log.
type Disclosure struct {
	EntryID       uuid.UUID `json:"entry_id"`
	PatientID     string    `json:"patient_id"`
	Recipient     string    `json:"recipient"`
	RecipientType string    `json:"recipient_type,omitempty"`
	Purpose       string    `json:"purpose"`
	Method        string    `json:"method,omitempty"`
	ResourceType  string    `json:"resource_type,omitempty"`
	ResourceIDs   []string  `json:"resource_ids,omitempty"`
	Description   string    `json:"description,omitempty"`
	DisclosedAt   time.Time `json:"disclosed_at"`
	DisclosedBy   string    `json:"disclosed_by,omitempty"`
}

// DisclosureLog records disclosures as EXPORT entries on the audit log and
// serves the per-patient accounting from the same entries.
type DisclosureLog struct {
	log    *AuditLog
	actor  ActorResolver
	logger zerolog.Logger
}

// NewDisclosureLog creates a disclosure log over the audit log.
func NewDisclosureLog(log *AuditLog, actor ActorResolver, logger zerolog.Logger) *DisclosureLog {
	if actor == nil {
		actor = func(context.Context) *Actor { return nil }
	}
	return &DisclosureLog{
		log:    log,
		actor:  actor,
		logger: logger.With().Str("component", "disclosure-log").Logger(),
	}
}

// Record appends the disclosure. It fails if the entry cannot be persisted.
func (d *DisclosureLog) Record(ctx context.Context, req DisclosureRequest) (*Disclosure, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	e := &AuditEntry{
		Actor:          d.actor(ctx),
		Action:         ActionExport,
		ResourceType:   DisclosureResourceType,
		ResourceIDs:    req.ResourceIDs,
		PatientIDs:     []string{req.PatientID},
		Timestamp:      req.DisclosedAt,
		LegalBasis:     LegalBasisOperations,
		Success:        true,
		PHIAccessed:    true,
		Classification: ClassificationPHI,
		Metadata: EntryMetadata{
			Recipient:         req.Recipient,
			RecipientType:     req.RecipientType,
			DisclosurePurpose: req.Purpose,
			DisclosureMethod:  req.Method,
			DisclosedResource: req.ResourceType,
			Description:       req.Description,
		},
	}
	if _, err := d.log.Append(ctx, e); err != nil {
		return nil, err
	}
	d.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("patient_id", req.PatientID).
		Str("purpose", req.Purpose).
		Msg("disclosure recorded")
	return disclosureFromEntry(e, req.PatientID), nil
}

// Accounting lists a patient's disclosures between from and to, newest
// first. A zero from defaults to six years before to; a zero to is now.
func (d *DisclosureLog) Accounting(ctx context.Context, patientID string, from, to time.Time) ([]*Disclosure, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if to.IsZero() {
		to = d.log.now()
	}
	if from.IsZero() {
		from = to.AddDate(-accountingYears, 0, 0)
	}
	q := AuditQuery{
		PatientID:    patientID,
		ResourceType: DisclosureResourceType,
		Action:       ActionExport,
		Start:        from,
		End:          to,
		Limit:        maxSearchLimit,
	}
	out := []*Disclosure{}
	for {
		page, err := d.log.Search(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, e := range page.Entries {
			out = append(out, disclosureFromEntry(e, patientID))
		}
		q.Offset += len(page.Entries)
		if len(page.Entries) == 0 || q.Offset >= page.Total {
			return out, nil
		}
	}
}

func disclosureFromEntry(e *AuditEntry, patientID string) *Disclosure {
	return &Disclosure{
		EntryID:       e.ID,
		PatientID:     patientID,
		Recipient:     e.Metadata.Recipient,
		RecipientType: e.Metadata.RecipientType,
		Purpose:       e.Metadata.DisclosurePurpose,
		Method:        e.Metadata.DisclosureMethod,
		ResourceType:  e.Metadata.DisclosedResource,
		ResourceIDs:   e.ResourceIDs,
		Description:   e.Metadata.Description,
		DisclosedAt:   e.Timestamp,
		DisclosedBy:   e.UserID(),
	}
}
