package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReportQuery scopes a compliance report.
type ReportQuery struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	UserID    string    `json:"user_id,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
}

// ReportEntry is the report projection of an audit entry.
type ReportEntry struct {
	ID           uuid.UUID `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id,omitempty"`
	Role         string    `json:"role,omitempty"`
	PatientIDs   []string  `json:"patient_ids,omitempty"`
	ResourceIDs  []string  `json:"resource_ids,omitempty"`
	Action       Action    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ClientIP     string    `json:"client_ip,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	RiskScore    int       `json:"risk_score"`
}

// ReportSummary aggregates access counts.
type ReportSummary struct {
	TotalAccesses  int `json:"totalAccesses"`
	UniqueUsers    int `json:"uniqueUsers"`
	UniquePatients int `json:"uniquePatients"`
	FailedAttempts int `json:"failedAttempts"`
}

// ComplianceCounts aggregates flagged activity.
type ComplianceCounts struct {
	HighRisk          int `json:"highRisk"`
	AfterHours        int `json:"afterHours"`
	Emergency         int `json:"emergency"`
	Bulk              int `json:"bulk"`
	Exports           int `json:"exports"`
	Denied            int `json:"denied"`
	Suspicious        int `json:"suspicious"`
	IntegrityFailures int `json:"integrityFailures"`
}

// ComplianceReport is the output of GenerateReport.
type ComplianceReport struct {
	Query       ReportQuery      `json:"query"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Entries     []ReportEntry    `json:"entries"`
	Summary     ReportSummary    `json:"summary"`
	Compliance  ComplianceCounts `json:"compliance"`
	Truncated   bool             `json:"truncated,omitempty"`
}

// GenerateReport builds a compliance report for the window. Every entry is
// re-verified against its digest.
func (l *AuditLog) GenerateReport(ctx context.Context, q ReportQuery) (*ComplianceReport, error) {
	if err := checkWindow(q.Start, q.End); err != nil {
		return nil, err
	}
	entries, total, err := l.store.Query(ctx, AuditQuery{
		UserID:    q.UserID,
		PatientID: q.PatientID,
		Start:     q.Start,
		End:       q.End,
		Limit:     maxExportRows,
	})
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}

	report := &ComplianceReport{
		Query:       q,
		GeneratedAt: l.now().UTC(),
		Entries:     make([]ReportEntry, 0, len(entries)),
		Truncated:   total > len(entries),
	}
	users := make(map[string]struct{})
	patients := make(map[string]struct{})

	for _, e := range entries {
		report.Entries = append(report.Entries, ReportEntry{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			UserID:       e.UserID(),
			Role:         e.Role(),
			PatientIDs:   e.PatientIDs,
			ResourceIDs:  e.ResourceIDs,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ClientIP:     e.ClientIP,
			SessionID:    e.SessionID,
			RiskScore:    e.RiskScore,
		})

		if uid := e.UserID(); uid != "" {
			users[uid] = struct{}{}
		}
		for _, p := range e.PatientIDs {
			patients[p] = struct{}{}
		}
		if !e.Success || e.Action == ActionAccessDenied {
			report.Summary.FailedAttempts++
		}

		c := &report.Compliance
		if e.RiskScore >= HighRiskThreshold {
			c.HighRisk++
		}
		if e.HasFlag(FlagAfterHoursAccess) {
			c.AfterHours++
		}
		if e.HasFlag(FlagEmergencyAccess) || e.HasFlag(FlagEmergencyOverride) {
			c.Emergency++
		}
		if e.HasFlag(FlagBulkOperation) {
			c.Bulk++
		}
		if e.HasFlag(FlagExportOperation) {
			c.Exports++
		}
		if e.Action == ActionAccessDenied {
			c.Denied++
		}
		if e.HasFlag(FlagSuspiciousSession) {
			c.Suspicious++
		}
		if !l.sealer.Verify(e) {
			c.IntegrityFailures++
		}
	}

	report.Summary.TotalAccesses = len(entries)
	report.Summary.UniqueUsers = len(users)
	report.Summary.UniquePatients = len(patients)
	return report, nil
}
