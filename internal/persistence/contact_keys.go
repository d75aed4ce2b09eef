package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ContactKey holds the contacts DEK of a task wrapped for each party.
type ContactKey struct {
	ChainID           string    `json:"chain_id"`
	TaskID            string    `json:"task_id"`
	CreatorWrappedDEK string    `json:"creator_wrapped_dek"`
	HelperWrappedDEK  string    `json:"helper_wrapped_dek"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const contactKeyColumns = `chain_id, task_id, creator_wrapped_dek, helper_wrapped_dek, created_at, updated_at`

func scanContactKey(scanFn func(dest ...any) error, key *ContactKey) error {
	return scanFn(&key.ChainID, &key.TaskID, &key.CreatorWrappedDEK, &key.HelperWrappedDEK, &key.CreatedAt, &key.UpdatedAt)
}

func getContactKey(ctx context.Context, q queryer, chainID, taskID string) (*ContactKey, error) {
	row := q.QueryRowContext(ctx, `SELECT `+contactKeyColumns+` FROM contact_keys WHERE chain_id = ? AND task_id = ?;`, chainID, taskID)
	var key ContactKey
	if err := scanContactKey(row.Scan, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact key %s/%s: %w", chainID, taskID, err)
	}
	return &key, nil
}

func upsertContactKey(ctx context.Context, q queryer, key ContactKey) error {
	if key.CreatorWrappedDEK == "" {
		return errors.New("upsert contact key: creator wrapped DEK is required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO contact_keys (chain_id, task_id, creator_wrapped_dek, helper_wrapped_dek, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(chain_id, task_id) DO UPDATE SET
			creator_wrapped_dek = excluded.creator_wrapped_dek,
			helper_wrapped_dek = excluded.helper_wrapped_dek,
			updated_at = CURRENT_TIMESTAMP;
	`, key.ChainID, key.TaskID, key.CreatorWrappedDEK, key.HelperWrappedDEK)
	if err != nil {
		return fmt.Errorf("upsert contact key %s/%s: %w", key.ChainID, key.TaskID, err)
	}
	return nil
}

// GetContactKey returns the wrapped keys for a task or ErrNotFound.
func (s *Store) GetContactKey(ctx context.Context, chainID, taskID string) (*ContactKey, error) {
	return getContactKey(ctx, s.db, chainID, taskID)
}

func (s *Store) listContactKeys(ctx context.Context, where string, args ...any) ([]ContactKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contactKeyColumns+` FROM contact_keys WHERE `+where+`
		ORDER BY CAST(task_id AS INTEGER) ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query contact keys: %w", err)
	}
	defer rows.Close()

	var out []ContactKey
	for rows.Next() {
		var key ContactKey
		if err := scanContactKey(rows.Scan, &key); err != nil {
			return nil, fmt.Errorf("scan contact key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact key rows: %w", err)
	}
	return out, nil
}

// ListContactKeys returns every contact key for chainID.
func (s *Store) ListContactKeys(ctx context.Context, chainID string) ([]ContactKey, error) {
	return s.listContactKeys(ctx, `chain_id = ?`, chainID)
}

// ListContactKeysMissingHelper returns keys not yet wrapped for a helper.
func (s *Store) ListContactKeysMissingHelper(ctx context.Context, chainID string) ([]ContactKey, error) {
	return s.listContactKeys(ctx, `chain_id = ? AND helper_wrapped_dek = ''`, chainID)
}

// UpsertContactKey writes a contact key outside of any transaction. The task
// row must exist.
func (s *Store) UpsertContactKey(ctx context.Context, key ContactKey) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		return upsertContactKey(ctx, s.db, key)
	})
}

// SetHelperWrappedDEK stores the helper's wrapped DEK without touching the
// creator's.
func (s *Store) SetHelperWrappedDEK(ctx context.Context, chainID, taskID, wrapped string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE contact_keys SET helper_wrapped_dek = ?, updated_at = CURRENT_TIMESTAMP
			WHERE chain_id = ? AND task_id = ?;
		`, wrapped, chainID, taskID)
		if err != nil {
			return fmt.Errorf("set helper DEK %s/%s: %w", chainID, taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetContactKey reads a contact key inside the transaction.
func (t *Tx) GetContactKey(ctx context.Context, chainID, taskID string) (*ContactKey, error) {
	return getContactKey(ctx, t.tx, chainID, taskID)
}

// UpsertContactKey writes a contact key inside the transaction.
func (t *Tx) UpsertContactKey(ctx context.Context, key ContactKey) error {
	return upsertContactKey(ctx, t.tx, key)
}
