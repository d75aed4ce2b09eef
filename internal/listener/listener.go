// Package listener follows escrow TaskCreated and TaskAccepted logs and hands
// each task to the reconciler as soon as it appears on chain.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
	"github.com/basket/escrowmirror/internal/shared"
)

const (
	defaultPollInterval = 12 * time.Second
	defaultBlockWindow  = 2000
)

// Syncer is the part of the reconciler the listener drives.
type Syncer interface {
	SyncTask(ctx context.Context, p reconcile.SyncParams) (reconcile.Outcome, error)
	SyncTaskFromChain(ctx context.Context, taskID uint64, source string) (reconcile.Outcome, error)
}

type Config struct {
	ChainID string
	Chain   chain.Reader
	Store   *persistence.Store
	Syncer  Syncer
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics

	PollInterval time.Duration
	// BlockWindow caps the block range of one eth_getLogs call.
	BlockWindow uint64
	// StartBlock is where a listener without a checkpoint begins. Zero
	// means the current head: history is left to the periodic gap sync.
	StartBlock uint64
}

// Listener polls the escrow for task events.
type Listener struct {
	cfg    Config
	logger *slog.Logger
}

// PollResult summarizes one Poll.
type PollResult struct {
	FromBlock uint64
	ToBlock   uint64
	Events    int
	Failed    int
}

func New(cfg Config) (*Listener, error) {
	if cfg.ChainID == "" || cfg.Chain == nil || cfg.Store == nil || cfg.Syncer == nil {
		return nil, errors.New("listener: chain id, chain, store and syncer are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BlockWindow == 0 {
		cfg.BlockWindow = defaultBlockWindow
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{cfg: cfg, logger: logger.With("component", "listener")}, nil
}

// CheckpointKey is the kv_store key holding the last fully processed block.
func (l *Listener) CheckpointKey() string {
	return "listener.last_block." + l.cfg.ChainID
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listener started", "chain_id", l.cfg.ChainID, "interval", l.cfg.PollInterval)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("listener poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("listener stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes every block between the checkpoint and the current head in
// windows of at most BlockWindow blocks. The checkpoint moves after each
// window; a window whose logs cannot be read is retried on the next Poll.
func (l *Listener) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	head, err := l.cfg.Chain.BlockNumber(ctx)
	if err != nil {
		return res, fmt.Errorf("read head: %w", err)
	}
	from, err := l.startBlock(ctx, head)
	if err != nil {
		return res, err
	}
	res.FromBlock = from
	if from > head {
		res.ToBlock = head
		return res, nil
	}

	for from <= head {
		to := from + l.cfg.BlockWindow - 1
		if to > head || to < from {
			to = head
		}
		events, err := l.cfg.Chain.FilterTaskEvents(ctx, from, to)
		if err != nil {
			return res, fmt.Errorf("filter logs %d..%d: %w", from, to, err)
		}
		sort.Slice(events, func(i, j int) bool {
			if events[i].BlockNumber != events[j].BlockNumber {
				return events[i].BlockNumber < events[j].BlockNumber
			}
			return events[i].LogIndex < events[j].LogIndex
		})
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Events++
			if err := l.handle(ctx, ev); err != nil {
				res.Failed++
				l.logger.Warn("task event not reconciled", "event", ev.Name, "task_id", ev.TaskID,
					"block", ev.BlockNumber, "error", err)
			}
		}
		if err := l.cfg.Store.KVSet(ctx, l.CheckpointKey(), strconv.FormatUint(to, 10)); err != nil {
			return res, fmt.Errorf("store checkpoint: %w", err)
		}
		res.ToBlock = to
		from = to + 1
	}
	if res.Events > 0 {
		l.logger.Info("listener window processed", "from", res.FromBlock, "to", res.ToBlock,
			"events", res.Events, "failed", res.Failed)
	}
	return res, nil
}

func (l *Listener) startBlock(ctx context.Context, head uint64) (uint64, error) {
	raw, err := l.cfg.Store.KVGet(ctx, l.CheckpointKey())
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if raw != "" {
		last, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("checkpoint %q: %w", raw, err)
		}
		return last + 1, nil
	}
	if l.cfg.StartBlock > 0 {
		return l.cfg.StartBlock, nil
	}
	return head, nil
}

func (l *Listener) handle(ctx context.Context, ev chain.TaskEvent) error {
	taskID := strconv.FormatUint(ev.TaskID, 10)
	ctx = shared.WithTaskID(ctx, taskID)
	l.cfg.Metrics.RecordChainEvent(ctx, ev.Name)

	payload := bus.ChainTaskEvent{
		ChainID:     l.cfg.ChainID,
		TaskID:      taskID,
		Party:       ev.Party.Hex(),
		TaskURI:     ev.TaskURI,
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
	}
	switch ev.Name {
	case chain.EventTaskCreated:
		l.cfg.Bus.Publish(bus.TopicChainTaskCreated, payload)
		_, err := l.cfg.Syncer.SyncTask(ctx, reconcile.SyncParams{
			TaskID:  taskID,
			Creator: ev.Party.Hex(),
			TaskURI: ev.TaskURI,
			Source:  reconcile.SourceEvent,
		})
		return err
	case chain.EventTaskAccepted:
		l.cfg.Bus.Publish(bus.TopicChainTaskAccepted, payload)
		_, err := l.cfg.Syncer.SyncTaskFromChain(ctx, ev.TaskID, reconcile.SourceEvent)
		return err
	default:
		return fmt.Errorf("unexpected event %q", ev.Name)
	}
}
