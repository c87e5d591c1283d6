package hipaa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAuditStore persists audit entries in PostgreSQL. The audit_entry and
// audit_phi_detail tables are guarded by triggers that reject UPDATE and
// reject DELETE outside a retention sweep transaction.
type PGAuditStore struct {
	pool *pgxpool.Pool
}

// NewPGAuditStore creates a store backed by pool.
func NewPGAuditStore(pool *pgxpool.Pool) *PGAuditStore {
	return &PGAuditStore{pool: pool}
}

const auditEntryColumns = `id, user_id, role, display_name, action, resource_type,
	resource_ids, patient_ids, ts, client_ip, user_agent, session_id, request_id,
	method, path, justification, legal_basis, success, status_code, latency_ns,
	response_size, minimum_necessary, data_classification, phi_accessed,
	compliance_flags, risk_score, retention_days, integrity_digest, metadata`

// Insert writes the entry and its details in one transaction.
func (s *PGAuditStore) Insert(ctx context.Context, e *AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var userID, role, displayName *string
	if e.Actor != nil {
		userID, role, displayName = &e.Actor.UserID, &e.Actor.Role, &e.Actor.DisplayName
	}
	flags := make([]string, len(e.Flags))
	for i, f := range e.Flags {
		flags[i] = string(f)
	}

	_, err = tx.Exec(ctx, `INSERT INTO audit_entry (`+auditEntryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		e.ID, userID, role, displayName, string(e.Action), e.ResourceType,
		nonNil(e.ResourceIDs), nonNil(e.PatientIDs), e.Timestamp, e.ClientIP, e.UserAgent, e.SessionID, e.RequestID,
		e.Method, e.Path, e.Justification, string(e.LegalBasis), e.Success, e.StatusCode, int64(e.Latency),
		e.ResponseSize, e.MinimumNecessary, string(e.Classification), e.PHIAccessed,
		flags, e.RiskScore, e.RetentionDays, e.IntegrityDigest, e.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if len(e.Details) > 0 {
		batch := &pgx.Batch{}
		for _, d := range e.Details {
			batch.Queue(`INSERT INTO audit_phi_detail (entry_id, field_name, field_type, decrypted, patient_id, justification)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				e.ID, d.FieldName, string(d.FieldType), d.Decrypted, d.PatientID, d.Justification)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert audit details: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit insert: %w", err)
	}
	return nil
}

func (s *PGAuditStore) Get(ctx context.Context, id uuid.UUID) (*AuditEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditEntryColumns+` FROM audit_entry WHERE id = $1`, id)
	e, err := scanAuditEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT field_name, field_type, decrypted, patient_id, justification
		FROM audit_phi_detail WHERE entry_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get audit details: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d PHIAccessDetail
		var ft string
		if err := rows.Scan(&d.FieldName, &ft, &d.Decrypted, &d.PatientID, &d.Justification); err != nil {
			return nil, fmt.Errorf("scan audit detail: %w", err)
		}
		d.FieldType = FieldType(ft)
		e.Details = append(e.Details, d)
	}
	return e, rows.Err()
}

// Query returns entries without their PHI details; Get loads details.
func (s *PGAuditStore) Query(ctx context.Context, q AuditQuery) ([]*AuditEntry, int, error) {
	where, args := buildAuditWhere(q)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_entry`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	sql := `SELECT ` + auditEntryColumns + ` FROM audit_entry` + where + ` ORDER BY ts DESC, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// DeleteExpired runs inside a transaction that enables the retention-sweep
// guard; details cascade with their entry.
func (s *PGAuditStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin retention sweep: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT set_config('phicore.retention_sweep', 'on', true)`); err != nil {
		return 0, fmt.Errorf("enable retention sweep: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM audit_entry WHERE ts + make_interval(days => retention_days) < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit retention sweep: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func buildAuditWhere(q AuditQuery) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.PatientID != "" {
		add("$%d = ANY(patient_ids)", q.PatientID)
	}
	if q.ResourceType != "" {
		add("resource_type = $%d", q.ResourceType)
	}
	if q.Action != "" {
		add("action = $%d", string(q.Action))
	}
	if !q.Start.IsZero() {
		add("ts >= $%d", q.Start)
	}
	if !q.End.IsZero() {
		add("ts <= $%d", q.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanAuditEntry(row pgx.Row) (*AuditEntry, error) {
	var (
		e                         AuditEntry
		userID, role, displayName *string
		action, legal, class      string
		flags                     []string
		latency                   int64
	)
	err := row.Scan(&e.ID, &userID, &role, &displayName, &action, &e.ResourceType,
		&e.ResourceIDs, &e.PatientIDs, &e.Timestamp, &e.ClientIP, &e.UserAgent, &e.SessionID, &e.RequestID,
		&e.Method, &e.Path, &e.Justification, &legal, &e.Success, &e.StatusCode, &latency,
		&e.ResponseSize, &e.MinimumNecessary, &class, &e.PHIAccessed,
		&flags, &e.RiskScore, &e.RetentionDays, &e.IntegrityDigest, &e.Metadata)
	if err != nil {
		return nil, err
	}
	if userID != nil {
		e.Actor = &Actor{UserID: *userID}
		if role != nil {
			e.Actor.Role = *role
		}
		if displayName != nil {
			e.Actor.DisplayName = *displayName
		}
	}
	e.Action = Action(action)
	e.LegalBasis = LegalBasis(legal)
	e.Classification = DataClassification(class)
	e.Latency = time.Duration(latency)
	e.Timestamp = e.Timestamp.UTC()
	for _, f := range flags {
		e.Flags = append(e.Flags, ComplianceFlag(f))
	}
	return &e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
