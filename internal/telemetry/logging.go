// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/escrowmirror/internal/shared"
)

const (
	logFileName = "system.jsonl"
	// maxLogBytes rotates the log once at open so a long-lived home dir
	// keeps at most two files.
	maxLogBytes = 20 << 20
)

// NewLogger writes JSON records to <home>/logs/system.jsonl and, unless
// quiet, to stderr. stdout is left alone for command output.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	file, err := openLogFile(filepath.Join(homeDir, "logs"))
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	logger := slog.New(newHandler(w, parseLevel(level)))
	return logger.With("component", "mirror", "trace_id", "-"), file, nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logFileName)
	if st, err := os.Stat(path); err == nil && st.Size() > maxLogBytes {
		if err := os.Rename(path, path+".1"); err != nil {
			return nil, err
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func newHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: scrub})
}

// scrub renames the time key and masks secrets and contact details.
func scrub(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case shared.SensitiveKey(a.Key):
		return slog.String(a.Key, shared.Redacted)
	case a.Value.Kind() == slog.KindString:
		if v := a.Value.String(); looksLikeCredential(v) {
			return slog.String(a.Key, shared.Redacted)
		} else if masked := shared.Redact(v); masked != v {
			return slog.String(a.Key, masked)
		}
	case a.Value.Kind() == slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, shared.Redact(err.Error()))
		}
	}
	return a
}

// looksLikeCredential catches header dumps that carry a credential of any length.
func looksLikeCredential(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:")
}

// WithContext annotates logger with the trace, run, chain and task ids in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(shared.LogAttrs(ctx)...)
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	default:
		if err := lvl.UnmarshalText([]byte(l)); err != nil {
			return slog.LevelInfo
		}
		return lvl
	}
}
