package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/escrowmirror/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task synced", "task_id", "12", "chain_id", "84532")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "mirror" {
		t.Fatalf("expected component=mirror, got %#v", entry["component"])
	}
	if entry["task_id"] != "12" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("decrypt request",
		"auth_header", "Authorization: Bearer super-secret-token",
		"contacts_plaintext", "telegram: @alice",
		"rpc", "https://base-sepolia.g.alchemy.com/v2/AbCdEfGhIjKlMnOpQrSt",
	)

	entry := readLastEntry(t, home)
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if entry["contacts_plaintext"] != "[REDACTED]" {
		t.Fatalf("expected contacts redaction, got %#v", entry["contacts_plaintext"])
	}
	if strings.Contains(entry["rpc"].(string), "AbCdEf") {
		t.Fatalf("expected rpc key redaction, got %#v", entry["rpc"])
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, parseLevel("warn")))
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestWithContext_AddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(newHandler(&buf, slog.LevelInfo))
	ctx := shared.WithRunID(shared.WithChainID(context.Background(), "84532"), "run-1")

	WithContext(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["run_id"] != "run-1" || entry["chain_id"] != "84532" {
		t.Fatalf("missing context attrs: %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestScrub_ErrorValues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, slog.LevelInfo))
	logger.Warn("rpc failed", "error", errors.New("dial https://base-sepolia.g.alchemy.com/v2/AbCdEfGhIjKlMnOpQrSt: timeout"))
	if strings.Contains(buf.String(), "AbCdEf") {
		t.Fatalf("rpc key leaked through error value: %s", buf.String())
	}
}

func TestNewLogger_RotatesLargeFile(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(dir, logFileName)
	if err := os.WriteFile(big, bytes.Repeat([]byte("x"), maxLogBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}
	_, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	if _, err := os.Stat(big + ".1"); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if st, err := os.Stat(big); err != nil || st.Size() != 0 {
		t.Fatalf("fresh log file: %v size=%v", err, st)
	}
}
