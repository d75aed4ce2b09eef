package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
)

const maxMetadataBytes = 1 << 20

// Metadata is the task JSON published at a taskURI.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

// MetadataFetcher resolves a taskURI to its metadata.
type MetadataFetcher interface {
	Fetch(ctx context.Context, uri string) (Metadata, error)
}

// HTTPFetcher fetches task metadata over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) (Metadata, error) {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return Metadata{}, fmt.Errorf("unsupported task uri %q", uri)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Metadata{}, err
	}
	req.Header.Set("Accept", "application/json")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Metadata{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}
	var md Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("decode %s: %w", uri, err)
	}
	if strings.TrimSpace(md.Title) == "" {
		return Metadata{}, fmt.Errorf("fetch %s: empty title", uri)
	}
	return md, nil
}

// MetadataResult summarizes a ResyncMetadata pass.
type MetadataResult struct {
	Updated     int `json:"updated"`
	Placeholder int `json:"placeholder"`
	Unchanged   int `json:"unchanged"`
	Failed      int `json:"failed"`
}

// ResyncMetadata refreshes title and description of every mirrored task from
// its on-chain taskURI. When the URI cannot be fetched a real title already
// on the row is kept. Only rows with an empty or placeholder title fall back
// to the mirror row the URI points at, and the placeholder is written only
// over an empty title. On-chain tasks without a mirror row are skipped:
// SyncMissing creates them together with their contact key.
func (c *Coordinator) ResyncMetadata(ctx context.Context) (MetadataResult, error) {
	var res MetadataResult
	fetcher := c.cfg.Fetcher
	if fetcher == nil {
		return res, errors.New("reconcile: no metadata fetcher configured")
	}
	counter, err := c.chain.TaskCounter(ctx)
	if err != nil {
		return res, fmt.Errorf("read task counter: %w", err)
	}

	for id := uint64(1); id <= counter; id++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sid := strconv.FormatUint(id, 10)
		task, err := c.store.GetTask(ctx, c.cfg.ChainID, sid)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			res.Failed++
			c.logger.Warn("read mirror task failed", "task_id", sid, "error", err)
			continue
		}
		onChain, err := c.chain.Task(ctx, id)
		if err != nil || !onChain.Exists() {
			res.Failed++
			c.logger.Warn("read chain task failed", "task_id", sid, "error", err)
			continue
		}

		hasReal := strings.TrimSpace(task.Title) != "" && !task.HasPlaceholderMetadata()
		md, ok := c.resolveMetadata(ctx, fetcher, onChain.TaskURI, sid, !hasReal)
		switch {
		case ok && (md.Title != task.Title || md.Description != task.Description):
			if err := c.store.UpdateTaskMetadata(ctx, c.cfg.ChainID, sid, md.Title, md.Description, md.Category); err != nil {
				res.Failed++
				continue
			}
			res.Updated++
			c.metadataChanged(ctx, sid, false)
		case ok:
			res.Unchanged++
		case strings.TrimSpace(task.Title) == "":
			if err := c.store.UpdateTaskMetadata(ctx, c.cfg.ChainID, sid,
				persistence.PlaceholderTitle(sid), persistence.PlaceholderDescription, ""); err != nil {
				res.Failed++
				continue
			}
			res.Placeholder++
			c.metadataChanged(ctx, sid, true)
		default:
			res.Unchanged++
		}
	}
	c.logger.Info("metadata resync completed", "updated", res.Updated,
		"placeholder", res.Placeholder, "unchanged", res.Unchanged, "failed", res.Failed)
	return res, nil
}

// resolveMetadata fetches uri. The referenced mirror row is consulted only
// when borrow is set.
func (c *Coordinator) resolveMetadata(ctx context.Context, fetcher MetadataFetcher, uri, taskID string, borrow bool) (Metadata, bool) {
	if uri != "" {
		fctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "reconcile.fetch_metadata",
			otelPkg.AttrTaskID.String(taskID))
		md, err := fetcher.Fetch(fctx, uri)
		otelPkg.Finish(span, err)
		if err == nil && !persistence.IsPlaceholderTitle(md.Title) {
			return md, true
		}
		if err != nil {
			c.logger.Debug("metadata fetch failed", "task_id", taskID, "error", err)
		}
	}
	if !borrow {
		return Metadata{}, false
	}
	if title, description, ok := c.metadataFromMirror(ctx, uri); ok {
		return Metadata{Title: title, Description: description}, true
	}
	return Metadata{}, false
}

func (c *Coordinator) metadataChanged(ctx context.Context, taskID string, placeholder bool) {
	audit.Record(ctx, c.cfg.Actor, audit.ActionMetadataResynced, c.subject(taskID),
		fmt.Sprintf("placeholder=%t", placeholder))
	c.cfg.Bus.Publish(bus.TopicMirrorMetadata, bus.MetadataUpdatedEvent{
		ChainID: c.cfg.ChainID, TaskID: taskID, Placeholder: placeholder,
	})
}
