// Package audit keeps an append-only trail of mirror mutations and contact
// access decisions, in <home>/logs/audit.jsonl and the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/escrowmirror/internal/shared"
)

// Actions recorded for mirror mutations.
const (
	ActionTaskCreated       = "task.created"
	ActionContactKeyCreated = "contact_key.created"
	ActionHelperKeyUpdated  = "contact_key.helper_updated"
	ActionTaskDeleted       = "task.deleted"
	ActionMetadataResynced  = "task.metadata_resynced"
	ActionProfileUpserted   = "profile.upserted"
	ActionContactsDecrypted = "contacts.decrypted"
	ActionDecryptDenied     = "contacts.denied"
	ActionBackup            = "store.backup"
)

// Entry is one line of audit.jsonl.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	ChainID   string `json:"chain_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Detail    string `json:"detail,omitempty"`
}

// trail is the process-wide sink. Both outputs are optional.
type trail struct {
	mu     sync.Mutex
	enc    *json.Encoder
	file   *os.File
	db     *sql.DB
	denied atomic.Int64
}

var std trail

// Init opens <home>/logs/audit.jsonl for appending. Repeated calls keep
// the first file.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	std.file, std.enc = f, json.NewEncoder(f)
	return nil
}

// SetDB mirrors entries into the audit_log table. nil detaches it, which
// must happen before the store is closed.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file, std.enc = nil, nil
	return err
}

// DeniedCount returns the number of refused decrypt requests since startup.
func DeniedCount() int64 {
	return std.denied.Load()
}

// Record appends one mutation or access decision. Subject is usually
// "<chainID>/<taskID>" or a wallet address. Actor is the command name,
// "daemon", or the requesting address. Write failures are dropped so that
// auditing never blocks the mirror.
func Record(ctx context.Context, actor, action, subject, detail string) {
	if action == ActionDecryptDenied {
		std.denied.Add(1)
	}
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		ChainID:   shared.ChainID(ctx),
		RunID:     shared.RunID(ctx),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Detail:    shared.Redact(detail),
	}
	std.write(context.WithoutCancel(ctx), e)
}

func (t *trail) write(ctx context.Context, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc != nil {
		_ = t.enc.Encode(e)
	}
	if t.db != nil {
		_, _ = t.db.ExecContext(ctx,
			`INSERT INTO audit_log (trace_id, actor, action, subject, detail) VALUES (?, ?, ?, ?, ?);`,
			e.TraceID, e.Actor, e.Action, e.Subject, e.Detail)
	}
}
