package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	_ "github.com/mattn/go-sqlite3"
)

const testChain = "84532"

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "escrowmirror.db")
	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func seedTask(t *testing.T, store *persistence.Store, chainID, taskID string) persistence.Task {
	t.Helper()
	task := persistence.Task{
		ChainID:                  chainID,
		TaskID:                   taskID,
		Title:                    "Fix my bike " + taskID,
		Description:              "Rear wheel wobbles",
		ContactsEncryptedPayload: "aabbcc",
		ContactsPlaintext:        "telegram: @alice",
		CreatedAt:                "1735689600",
		Creator:                  "0x1111111111111111111111111111111111111111",
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

var ignoreTimes = cmpopts.IgnoreFields(persistence.Task{}, "UpdatedAt")

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "tasks", "contact_keys", "profiles", "kv_store", "sync_runs", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
	version, err := store.SchemaVersion(context.Background())
	if err != nil || version != 2 {
		t.Fatalf("schema version = %d, %v; want 2", version, err)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	_, path := openTestStore(t)
	again, err := persistence.Open(path, persistence.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if n := queryOneString(t, again.DB(), "SELECT COUNT(1) FROM schema_migrations;"); n != "1" {
		t.Fatalf("expected one ledger row, got %s", n)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path, persistence.Options{}); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path, persistence.Options{}); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func createLegacyDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO schema_migrations (version, checksum) VALUES (1, 'em-v1-task-id-keyed');`,
		`CREATE TABLE tasks (task_id TEXT PRIMARY KEY, title TEXT NOT NULL, description TEXT NOT NULL,
			contacts_encrypted_payload TEXT NOT NULL, contacts_plaintext TEXT, created_at TEXT NOT NULL,
			category TEXT, creator TEXT, updated_at DATETIME DEFAULT CURRENT_TIMESTAMP);`,
		`CREATE TABLE contact_keys (task_id TEXT PRIMARY KEY REFERENCES tasks(task_id), creator_wrapped_dek TEXT NOT NULL,
			helper_wrapped_dek TEXT, created_at DATETIME DEFAULT CURRENT_TIMESTAMP, updated_at DATETIME DEFAULT CURRENT_TIMESTAMP);`,
		`INSERT INTO tasks (task_id, title, description, contacts_encrypted_payload, created_at) VALUES ('1', 'Legacy', 'd', 'ff', '0');`,
		`INSERT INTO contact_keys (task_id, creator_wrapped_dek, helper_wrapped_dek) VALUES ('1', 'c0ffee', NULL);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("legacy stmt %q: %v", stmt, err)
		}
	}
	return path
}

func TestStore_UpgradesLegacySchemaWithChainID(t *testing.T) {
	path := createLegacyDB(t)

	if _, err := persistence.Open(path, persistence.Options{}); err == nil {
		t.Fatal("expected upgrade without chain id to fail")
	}

	store, err := persistence.Open(path, persistence.Options{LegacyChainID: "11155111"})
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	defer store.Close()

	task, err := store.GetTask(context.Background(), "11155111", "1")
	if err != nil {
		t.Fatalf("get migrated task: %v", err)
	}
	if task.Title != "Legacy" {
		t.Fatalf("unexpected migrated task: %+v", task)
	}
	key, err := store.GetContactKey(context.Background(), "11155111", "1")
	if err != nil {
		t.Fatalf("get migrated key: %v", err)
	}
	if key.CreatorWrappedDEK != "c0ffee" || key.HelperWrappedDEK != "" {
		t.Fatalf("unexpected migrated key: %+v", key)
	}
	if _, err := store.GetTask(context.Background(), testChain, "1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("task leaked into another chain: %v", err)
	}
}

func TestStore_TaskUpsertAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	want := seedTask(t, store, testChain, "7")

	got, err := store.GetTask(ctx, testChain, "7")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if diff := cmp.Diff(want, *got, ignoreTimes); diff != "" {
		t.Fatalf("task mismatch (-want +got):\n%s", diff)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected updated_at to be set")
	}
}

func TestStore_TaskUpsertKeepsOptionalFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, testChain, "3")

	err := store.UpsertTask(ctx, persistence.Task{
		ChainID: testChain, TaskID: "3", Title: "New", Description: "Desc",
		ContactsEncryptedPayload: "dd", CreatedAt: "1",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetTask(ctx, testChain, "3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "New" || got.ContactsEncryptedPayload != "dd" {
		t.Fatalf("metadata not updated: %+v", got)
	}
	if got.ContactsPlaintext != "telegram: @alice" || got.Creator == "" {
		t.Fatalf("optional fields lost: %+v", got)
	}
}

func TestStore_ChainIsolation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, testChain, "1")
	seedTask(t, store, "11155111", "1")
	seedTask(t, store, testChain, "10")
	seedTask(t, store, testChain, "2")

	tasks, err := store.ListTasks(ctx, testChain)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.TaskID)
	}
	if diff := cmp.Diff([]string{"1", "2", "10"}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}

	set, err := store.ListTaskIDs(ctx, "11155111")
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if diff := cmp.Diff(map[string]bool{"1": true}, set); diff != "" {
		t.Fatalf("id set (-want +got):\n%s", diff)
	}
}

func TestStore_SearchTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, testChain, "1")
	titles := map[string]string{
		"2": "Walk the dog",
		"3": "Pay 50% upfront",
		"4": "Pay 500 later",
		"5": "rename snake_case keys",
		"6": "rename snakeXcase keys",
		"7": `fix C:\temp path`,
	}
	for id, title := range titles {
		if err := store.UpsertTask(ctx, persistence.Task{
			ChainID: testChain, TaskID: id, Title: title, Description: "Daily",
			ContactsEncryptedPayload: "aa", CreatedAt: "0",
		}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	tests := []struct {
		text string
		want []string
	}{
		{"dog", []string{"2"}},
		{"50%", []string{"3"}},
		{"snake_case", []string{"5"}},
		{`C:\temp`, []string{"7"}},
		{"%", []string{"3"}},
		{"_", []string{"5"}},
	}
	for _, tt := range tests {
		got, err := store.SearchTasks(ctx, testChain, tt.text)
		if err != nil {
			t.Fatalf("search %q: %v", tt.text, err)
		}
		var ids []string
		for _, task := range got {
			ids = append(ids, task.TaskID)
		}
		if diff := cmp.Diff(tt.want, ids); diff != "" {
			t.Errorf("search %q (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestStore_ContactKeyLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChain, TaskID: "5", CreatorWrappedDEK: "aa"}); err == nil {
		t.Fatal("expected foreign key failure for key without task")
	}

	seedTask(t, store, testChain, "5")
	if err := store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChain, TaskID: "5", CreatorWrappedDEK: "aa"}); err != nil {
		t.Fatalf("upsert key: %v", err)
	}
	missing, err := store.ListContactKeysMissingHelper(ctx, testChain)
	if err != nil || len(missing) != 1 {
		t.Fatalf("missing helper = %v, %v; want 1", missing, err)
	}
	if err := store.SetHelperWrappedDEK(ctx, testChain, "5", "bb"); err != nil {
		t.Fatalf("set helper: %v", err)
	}
	key, err := store.GetContactKey(ctx, testChain, "5")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key.CreatorWrappedDEK != "aa" || key.HelperWrappedDEK != "bb" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if err := store.SetHelperWrappedDEK(ctx, testChain, "99", "bb"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteTaskRemovesKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, testChain, "8")
	if err := store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChain, TaskID: "8", CreatorWrappedDEK: "aa"}); err != nil {
		t.Fatalf("upsert key: %v", err)
	}
	if err := store.DeleteTask(ctx, testChain, "8"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetContactKey(ctx, testChain, "8"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected key removed, got %v", err)
	}
	if err := store.DeleteTask(ctx, testChain, "8"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertTask(ctx, persistence.Task{ChainID: testChain, TaskID: "4", Title: "t", Description: "d", ContactsEncryptedPayload: "aa"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetTask(ctx, testChain, "4"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestStore_ProfilesCaseInsensitive(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	addr := "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

	err := store.UpsertProfile(ctx, persistence.Profile{
		Address: addr, Nickname: "alice", City: "Berlin",
		Skills: []string{"go", "rust"}, EncryptionPubKey: strings.Repeat("ab", 32), Contacts: "tg:@alice",
	})
	if err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
	got, err := store.GetProfile(ctx, strings.ToLower(addr))
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if diff := cmp.Diff([]string{"go", "rust"}, got.Skills); diff != "" {
		t.Fatalf("skills (-want +got):\n%s", diff)
	}

	// Re-upsert without contacts keeps the stored contacts.
	if err := store.UpsertProfile(ctx, persistence.Profile{Address: addr, Nickname: "alice2", City: "Paris", EncryptionPubKey: got.EncryptionPubKey}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = store.GetProfile(ctx, addr)
	if got.Contacts != "tg:@alice" || got.Nickname != "alice2" {
		t.Fatalf("unexpected profile after re-upsert: %+v", got)
	}
}

func TestStore_ProfileLegacySkills(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO profiles (address, nickname, city, skills, encryption_pub_key)
		VALUES ('0x2222222222222222222222222222222222222222', 'bob', 'Rome', 'plumbing, painting', '')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	profiles, err := store.ListProfiles(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"plumbing", "painting"}, profiles[0].Skills); diff != "" {
		t.Fatalf("skills (-want +got):\n%s", diff)
	}
}

func TestStore_Counts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTask(t, store, testChain, "1")
	seedTask(t, store, testChain, "2")
	if err := store.UpsertTask(ctx, persistence.Task{
		ChainID: testChain, TaskID: "3", Title: persistence.PlaceholderTitle("3"),
		Description: persistence.PlaceholderDescription, ContactsEncryptedPayload: "aa", CreatedAt: "0",
	}); err != nil {
		t.Fatalf("upsert placeholder: %v", err)
	}
	if err := store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChain, TaskID: "1", CreatorWrappedDEK: "aa"}); err != nil {
		t.Fatalf("key: %v", err)
	}

	counts, err := store.Counts(ctx, testChain)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := persistence.MirrorCounts{Tasks: 3, ContactKeys: 1, MissingHelperDEK: 1, TasksWithoutKey: 2, PlaceholderMetadata: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("counts (-want +got):\n%s", diff)
	}
}

func TestStore_SyncRunsAndRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -40)
	for i, started := range []time.Time{old, time.Now().UTC()} {
		run := persistence.SyncRun{
			ID: []string{"old", "new"}[i], ChainID: testChain, Source: "chain-sync",
			StartedAt: started, FinishedAt: started.Add(time.Second), TaskCounter: 12, Synced: i,
		}
		if err := store.RecordSyncRun(ctx, run); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}
	runs, err := store.ListSyncRuns(ctx, testChain, 10)
	if err != nil || len(runs) != 2 || runs[0].ID != "new" {
		t.Fatalf("runs = %+v, %v", runs, err)
	}
	if runs[0].TaskCounter != 12 {
		t.Fatalf("task counter = %d", runs[0].TaskCounter)
	}

	res, err := store.RunRetention(ctx, 30, 0)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.PurgedSyncRuns != 1 {
		t.Fatalf("purged = %d, want 1", res.PurgedSyncRuns)
	}
}

func TestStore_KVAndBackup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if v, err := store.KVGet(ctx, "listener.last_block"); err != nil || v != "" {
		t.Fatalf("empty kv = %q, %v", v, err)
	}
	if err := store.KVSet(ctx, "listener.last_block", "100"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	if v, _ := store.KVGet(ctx, "listener.last_block"); v != "100" {
		t.Fatalf("kv = %q", v)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatal("expected error when destination exists")
	}
}
