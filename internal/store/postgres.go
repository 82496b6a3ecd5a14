package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/terarelay/terarelay/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Deliveries ---

func (s *PostgresStore) LookupDelivery(ctx context.Context, link string) (*models.Delivery, error) {
	var d models.Delivery
	err := s.pool.QueryRow(ctx,
		`SELECT id, link, filename, size_bytes, chat_id, message_id, delivered_at
		 FROM deliveries WHERE link = $1`, link,
	).Scan(&d.ID, &d.Link, &d.Filename, &d.Size, &d.ChatID, &d.MessageID, &d.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup delivery: %w", err)
	}
	return &d, nil
}

// RecordDelivery upserts the delivery record for its canonical link. A new
// delivery for an already-recorded link overwrites the old record.
func (s *PostgresStore) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deliveries (link, filename, size_bytes, chat_id, message_id, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (link) DO UPDATE SET
		   filename = EXCLUDED.filename,
		   size_bytes = EXCLUDED.size_bytes,
		   chat_id = EXCLUDED.chat_id,
		   message_id = EXCLUDED.message_id,
		   delivered_at = EXCLUDED.delivered_at
		 RETURNING id`,
		d.Link, d.Filename, d.Size, d.ChatID, d.MessageID, d.DeliveredAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// PruneDeliveries deletes all but the keep most recent records, ordered by
// delivered_at descending with insertion order breaking ties. Returns the
// number of rows deleted.
func (s *PostgresStore) PruneDeliveries(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM deliveries WHERE id IN (
		   SELECT id FROM deliveries
		   ORDER BY delivered_at DESC, id DESC
		   OFFSET $1
		 )`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountDeliveries(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

// --- Access Keys ---

func (s *PostgresStore) CreateAccessKey(ctx context.Context, key *models.AccessKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO access_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create access key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessKeysByPrefix(ctx context.Context, prefix string) ([]*models.AccessKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM access_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get access keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAccessKeys(rows)
}

func (s *PostgresStore) ListAccessKeys(ctx context.Context) ([]*models.AccessKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM access_keys WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list access keys: %w", err)
	}
	defer rows.Close()
	return scanAccessKeys(rows)
}

func (s *PostgresStore) RevokeAccessKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_keys SET revoked_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke access key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAccessKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE access_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update access key last used: %w", err)
	}
	return nil
}

func scanAccessKeys(rows pgx.Rows) ([]*models.AccessKey, error) {
	var keys []*models.AccessKey
	for rows.Next() {
		var k models.AccessKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan access key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
