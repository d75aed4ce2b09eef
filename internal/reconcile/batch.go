package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/shared"
)

// TaskFailure records one task a batch run could not reconcile.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// RunResult summarizes a batch run.
type RunResult struct {
	RunID       string        `json:"run_id"`
	ChainID     string        `json:"chain_id"`
	Source      string        `json:"source"`
	TaskCounter uint64        `json:"task_counter"`
	Synced      int           `json:"synced"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Failures    []TaskFailure `json:"failures,omitempty"`
	Duration    time.Duration `json:"duration"`
}

type jobKind int

const (
	jobMissingTask jobKind = iota
	jobMissingKey
	jobMissingHelper
)

type job struct {
	taskID uint64
	kind   jobKind
}

// NextTaskID returns the id the escrow will assign to the next task.
func (c *Coordinator) NextTaskID(ctx context.Context) (string, error) {
	counter, err := c.chain.TaskCounter(ctx)
	if err != nil {
		return "", fmt.Errorf("read task counter: %w", err)
	}
	return strconv.FormatUint(counter+1, 10), nil
}

// SyncMissing reconciles every task id up to the on-chain counter: missing
// mirror rows are created, tasks without a key get one, and keys of accepted
// tasks are wrapped for the helper. Per-task failures are counted, never
// returned; the error is only set when the run could not start.
func (c *Coordinator) SyncMissing(ctx context.Context, source string) (RunResult, error) {
	return c.runBatch(ctx, source, func(ctx context.Context, counter uint64) ([]job, error) {
		ids, err := c.store.ListTaskIDs(ctx, c.cfg.ChainID)
		if err != nil {
			return nil, err
		}
		keys, err := c.keysByTask(ctx)
		if err != nil {
			return nil, err
		}
		var jobs []job
		for id := uint64(1); id <= counter; id++ {
			sid := strconv.FormatUint(id, 10)
			key, hasKey := keys[sid]
			switch {
			case !ids[sid]:
				jobs = append(jobs, job{taskID: id, kind: jobMissingTask})
			case !hasKey:
				jobs = append(jobs, job{taskID: id, kind: jobMissingKey})
			case key.HelperWrappedDEK == "":
				jobs = append(jobs, job{taskID: id, kind: jobMissingHelper})
			}
		}
		return jobs, nil
	})
}

// FixMissingHelperKeys wraps DEKs for helpers of accepted tasks whose key has
// no helper entry yet.
func (c *Coordinator) FixMissingHelperKeys(ctx context.Context) (RunResult, error) {
	return c.runBatch(ctx, SourceManual, func(ctx context.Context, counter uint64) ([]job, error) {
		keys, err := c.store.ListContactKeysMissingHelper(ctx, c.cfg.ChainID)
		if err != nil {
			return nil, err
		}
		var jobs []job
		for _, key := range keys {
			id, err := strconv.ParseUint(key.TaskID, 10, 64)
			if err != nil || id == 0 || id > counter {
				continue
			}
			jobs = append(jobs, job{taskID: id, kind: jobMissingHelper})
		}
		return jobs, nil
	})
}

func (c *Coordinator) keysByTask(ctx context.Context) (map[string]persistence.ContactKey, error) {
	keys, err := c.store.ListContactKeys(ctx, c.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]persistence.ContactKey, len(keys))
	for _, k := range keys {
		out[k.TaskID] = k
	}
	return out, nil
}

func (c *Coordinator) runBatch(ctx context.Context, source string, plan func(context.Context, uint64) ([]job, error)) (RunResult, error) {
	started := c.now()
	res := RunResult{RunID: shared.NewRunID(), ChainID: c.cfg.ChainID, Source: source}
	ctx = shared.WithRunID(shared.WithChainID(ctx, c.cfg.ChainID), res.RunID)
	ctx, span := otelPkg.StartSpan(ctx, c.tracer, "reconcile.run",
		otelPkg.AttrChainID.String(c.cfg.ChainID),
		otelPkg.AttrRunID.String(res.RunID),
		otelPkg.AttrSyncSource.String(source),
	)
	defer span.End()
	log := c.logger.With(shared.LogAttrs(ctx)...)

	counter, err := c.chain.TaskCounter(ctx)
	if err != nil {
		err = fmt.Errorf("read task counter: %w", err)
		c.finishRun(ctx, &res, started, err)
		return res, err
	}
	res.TaskCounter = counter

	jobs, err := plan(ctx, counter)
	if err != nil {
		err = fmt.Errorf("plan run: %w", err)
		c.finishRun(ctx, &res, started, err)
		return res, err
	}
	log.Info("sync run started", "source", source, "task_counter", counter, "candidates", len(jobs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			synced, skipped, err := c.runJob(gctx, j, source)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				res.Failures = append(res.Failures, TaskFailure{TaskID: strconv.FormatUint(j.taskID, 10), Error: err.Error()})
			case synced:
				res.Synced++
			case skipped:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(res.Failures, func(i, k int) bool {
		a, _ := strconv.ParseUint(res.Failures[i].TaskID, 10, 64)
		b, _ := strconv.ParseUint(res.Failures[k].TaskID, 10, 64)
		return a < b
	})

	c.finishRun(ctx, &res, started, ctx.Err())
	return res, ctx.Err()
}

// runJob reads the task from chain and syncs it when the chain state calls
// for it.
func (c *Coordinator) runJob(ctx context.Context, j job, source string) (synced, skipped bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}
	t, err := c.chain.Task(ctx, j.taskID)
	if err != nil {
		return false, false, fmt.Errorf("read task %d: %w", j.taskID, err)
	}
	if !t.Exists() {
		return false, true, nil
	}
	p := paramsFromChain(t, source)
	if j.kind == jobMissingHelper && (!t.HasHelper() || t.Status == chain.StatusOpen) {
		return false, true, nil
	}
	outcome, err := c.SyncTask(ctx, p)
	if err != nil {
		return false, false, err
	}
	return outcome != OutcomeComplete, outcome == OutcomeComplete, nil
}

func (c *Coordinator) finishRun(ctx context.Context, res *RunResult, started time.Time, runErr error) {
	finished := c.now()
	res.Duration = finished.Sub(started)
	run := persistence.SyncRun{
		ID:          res.RunID,
		ChainID:     res.ChainID,
		Source:      res.Source,
		StartedAt:   started.UTC(),
		FinishedAt:  finished.UTC(),
		TaskCounter: res.TaskCounter,
		Synced:      res.Synced,
		Failed:      res.Failed,
		Skipped:     res.Skipped,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// Record with a fresh context so cancelled runs still leave a row.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.RecordSyncRun(recordCtx, run); err != nil {
		c.logger.Warn("record sync run failed", "run_id", res.RunID, "error", err)
	}
	c.cfg.Metrics.RecordSyncRun(ctx, res.Source, res.Duration)
	c.cfg.Bus.Publish(bus.TopicRunCompleted, bus.RunCompletedEvent{
		RunID: res.RunID, ChainID: res.ChainID, Source: res.Source,
		Synced: res.Synced, Failed: res.Failed, Skipped: res.Skipped,
	})

	log := c.logger.With("chain_id", res.ChainID, "run_id", res.RunID, "source", res.Source)
	if runErr != nil {
		log.Error("sync run aborted", "error", runErr, "synced", res.Synced, "failed", res.Failed)
		return
	}
	log.Info("sync run completed",
		"task_counter", res.TaskCounter, "synced", res.Synced, "failed", res.Failed,
		"skipped", res.Skipped, "duration_ms", res.Duration.Milliseconds())
}
