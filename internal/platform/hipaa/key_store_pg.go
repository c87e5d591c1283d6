package hipaa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGKeyStore persists key records in the encryption_key table. A partial
// unique index on (owner_entity_id) WHERE status = 'active' guarantees one
// active key per owner across processes.
type PGKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGKeyStore creates a key store backed by pool.
func NewPGKeyStore(pool *pgxpool.Pool) *PGKeyStore {
	return &PGKeyStore{pool: pool}
}

const keyColumns = `key_id, owner_entity_id, algorithm, created_at, retired_at, status, wrapped_key`

const uniqueViolation = "23505"

func (s *PGKeyStore) Active(ctx context.Context, owner string) (*KeyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM encryption_key WHERE owner_entity_id = $1 AND status = 'active'`, owner)
	return scanKey(row)
}

func (s *PGKeyStore) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM encryption_key WHERE key_id = $1`, keyID)
	return scanKey(row)
}

func (s *PGKeyStore) Create(ctx context.Context, rec *KeyRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO encryption_key (`+keyColumns+`) VALUES ($1, $2, $3, $4, NULL, 'active', $5)`,
		rec.KeyID, rec.OwnerEntityID, rec.Algorithm, rec.CreatedAt, rec.WrappedKey)
	if isUniqueViolation(err) {
		return ErrRotationConflict
	}
	if err != nil {
		return fmt.Errorf("insert encryption key: %w", err)
	}
	return nil
}

// Swap retires the expected key and inserts next in one transaction. The
// conditional UPDATE is the compare-and-swap: zero rows means another
// rotation won.
func (s *PGKeyStore) Swap(ctx context.Context, owner, expectedActive string, next *KeyRecord, retiredAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin key swap: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE encryption_key SET status = 'retired', retired_at = $3
		WHERE key_id = $1 AND owner_entity_id = $2 AND status = 'active'`,
		expectedActive, owner, retiredAt)
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrRotationConflict
	}

	_, err = tx.Exec(ctx, `INSERT INTO encryption_key (`+keyColumns+`) VALUES ($1, $2, $3, $4, NULL, 'active', $5)`,
		next.KeyID, owner, next.Algorithm, next.CreatedAt, next.WrappedKey)
	if isUniqueViolation(err) {
		return ErrRotationConflict
	}
	if err != nil {
		return fmt.Errorf("insert rotated key: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit key swap: %w", err)
	}
	return nil
}

func (s *PGKeyStore) History(ctx context.Context, owner string) ([]*KeyRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM encryption_key WHERE owner_entity_id = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []*KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanKey(row pgx.Row) (*KeyRecord, error) {
	var rec KeyRecord
	var status string
	err := row.Scan(&rec.KeyID, &rec.OwnerEntityID, &rec.Algorithm, &rec.CreatedAt, &rec.RetiredAt, &status, &rec.WrappedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan encryption key: %w", err)
	}
	rec.Status = KeyStatus(status)
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
