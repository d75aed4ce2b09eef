package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// placeholderMarker appears in the title of tasks mirrored without metadata.
const placeholderMarker = "(synced from chain)"

// PlaceholderDescription is stored for tasks mirrored without metadata.
const PlaceholderDescription = "This task was automatically synced from blockchain"

// PlaceholderTitle returns the title stored for a task mirrored without metadata.
func PlaceholderTitle(taskID string) string {
	return fmt.Sprintf("Task %s %s", taskID, placeholderMarker)
}

// IsPlaceholderTitle reports whether title was generated by PlaceholderTitle.
func IsPlaceholderTitle(title string) bool {
	return strings.Contains(title, placeholderMarker)
}

// Task is the off-chain mirror of an escrow entry.
type Task struct {
	ChainID                  string    `json:"chain_id"`
	TaskID                   string    `json:"task_id"`
	Title                    string    `json:"title"`
	Description              string    `json:"description"`
	ContactsEncryptedPayload string    `json:"contacts_encrypted_payload"`
	ContactsPlaintext        string    `json:"-"`
	CreatedAt                string    `json:"created_at"` // uint256 seconds, decimal
	Category                 string    `json:"category,omitempty"`
	Creator                  string    `json:"creator,omitempty"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// HasPlaceholderMetadata reports whether the row still carries generated metadata.
func (t Task) HasPlaceholderMetadata() bool {
	return IsPlaceholderTitle(t.Title)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `chain_id, task_id, title, description, contacts_encrypted_payload,
	COALESCE(contacts_plaintext, ''), created_at, COALESCE(category, ''), COALESCE(creator, ''), updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ChainID, &task.TaskID, &task.Title, &task.Description, &task.ContactsEncryptedPayload,
		&task.ContactsPlaintext, &task.CreatedAt, &task.Category, &task.Creator, &task.UpdatedAt,
	)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func getTask(ctx context.Context, q queryer, chainID, taskID string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE chain_id = ? AND task_id = ?;`, chainID, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task %s/%s: %w", chainID, taskID, err)
	}
	return &task, nil
}

// upsertTask inserts the task or overwrites its metadata. Plaintext, category
// and creator only replace stored values when set.
func upsertTask(ctx context.Context, q queryer, task Task) error {
	if task.ChainID == "" || task.TaskID == "" {
		return errors.New("upsert task: chain id and task id are required")
	}
	if task.CreatedAt == "" {
		task.CreatedAt = "0"
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (chain_id, task_id, title, description, contacts_encrypted_payload,
			contacts_plaintext, created_at, category, creator, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chain_id, task_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			contacts_encrypted_payload = excluded.contacts_encrypted_payload,
			contacts_plaintext = COALESCE(excluded.contacts_plaintext, tasks.contacts_plaintext),
			created_at = excluded.created_at,
			category = COALESCE(excluded.category, tasks.category),
			creator = COALESCE(excluded.creator, tasks.creator),
			updated_at = CURRENT_TIMESTAMP;
	`, task.ChainID, task.TaskID, task.Title, task.Description, task.ContactsEncryptedPayload,
		nullIfEmpty(task.ContactsPlaintext), task.CreatedAt, nullIfEmpty(task.Category), nullIfEmpty(task.Creator))
	if err != nil {
		return fmt.Errorf("upsert task %s/%s: %w", task.ChainID, task.TaskID, err)
	}
	return nil
}

func setContactsPayload(ctx context.Context, q queryer, chainID, taskID, payload string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET contacts_encrypted_payload = ?, updated_at = CURRENT_TIMESTAMP
		WHERE chain_id = ? AND task_id = ?;
	`, payload, chainID, taskID)
	if err != nil {
		return fmt.Errorf("set contacts payload %s/%s: %w", chainID, taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTask returns the mirrored task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, chainID, taskID string) (*Task, error) {
	return getTask(ctx, s.db, chainID, taskID)
}

func (s *Store) listTasks(ctx context.Context, where string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+where+`
		ORDER BY CAST(task_id AS INTEGER) ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// ListTasks returns every task mirrored for chainID in numeric id order.
func (s *Store) ListTasks(ctx context.Context, chainID string) ([]Task, error) {
	return s.listTasks(ctx, `chain_id = ?`, chainID)
}

// likeEscaper makes user text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchTasks returns tasks whose title or description contains text.
func (s *Store) SearchTasks(ctx context.Context, chainID, text string) ([]Task, error) {
	pattern := "%" + likeEscaper.Replace(text) + "%"
	return s.listTasks(ctx, `chain_id = ? AND (title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`,
		chainID, pattern, pattern)
}

// ListTaskIDs returns the set of task ids mirrored for chainID.
func (s *Store) ListTaskIDs(ctx context.Context, chainID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM tasks WHERE chain_id = ?;`, chainID)
	if err != nil {
		return nil, fmt.Errorf("query task ids: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertTask inserts or updates a task outside of any transaction.
func (s *Store) UpsertTask(ctx context.Context, task Task) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		return upsertTask(ctx, s.db, task)
	})
}

// UpdateTaskMetadata replaces title and description, and category when set.
func (s *Store) UpdateTaskMetadata(ctx context.Context, chainID, taskID, title, description, category string) error {
	return retryOnBusy(ctx, writeRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, category = COALESCE(?, category), updated_at = CURRENT_TIMESTAMP
			WHERE chain_id = ? AND task_id = ?;
		`, title, description, nullIfEmpty(category), chainID, taskID)
		if err != nil {
			return fmt.Errorf("update task metadata %s/%s: %w", chainID, taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteTask removes a task and its contact key. Returns ErrNotFound when the
// task row did not exist.
func (s *Store) DeleteTask(ctx context.Context, chainID, taskID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM contact_keys WHERE chain_id = ? AND task_id = ?;`, chainID, taskID); err != nil {
			return fmt.Errorf("delete contact key %s/%s: %w", chainID, taskID, err)
		}
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE chain_id = ? AND task_id = ?;`, chainID, taskID)
		if err != nil {
			return fmt.Errorf("delete task %s/%s: %w", chainID, taskID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetTask reads a task inside the transaction.
func (t *Tx) GetTask(ctx context.Context, chainID, taskID string) (*Task, error) {
	return getTask(ctx, t.tx, chainID, taskID)
}

// UpsertTask writes a task inside the transaction.
func (t *Tx) UpsertTask(ctx context.Context, task Task) error {
	return upsertTask(ctx, t.tx, task)
}

// SetContactsPayload replaces the encrypted contacts of an existing task.
func (t *Tx) SetContactsPayload(ctx context.Context, chainID, taskID, payload string) error {
	return setContactsPayload(ctx, t.tx, chainID, taskID, payload)
}
