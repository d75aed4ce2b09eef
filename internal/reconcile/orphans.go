package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/persistence"
)

const orphanReason = "task id beyond on-chain counter"

// CleanOrphans lists mirror tasks whose id exceeds the on-chain counter.
// With apply set they are deleted together with their contact keys.
func (c *Coordinator) CleanOrphans(ctx context.Context, apply bool) ([]string, error) {
	counter, err := c.chain.TaskCounter(ctx)
	if err != nil {
		return nil, fmt.Errorf("read task counter: %w", err)
	}
	ids, err := c.store.ListTaskIDs(ctx, c.cfg.ChainID)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for id := range ids {
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil || n == 0 || n > counter {
			orphans = append(orphans, id)
		}
	}
	sortIDs(orphans)
	if !apply || len(orphans) == 0 {
		return orphans, nil
	}

	var deleted []string
	for _, id := range orphans {
		unlock, err := c.locks.Lock(ctx, id)
		if err != nil {
			return deleted, err
		}
		err = c.store.DeleteTask(ctx, c.cfg.ChainID, id)
		unlock()
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return deleted, fmt.Errorf("delete orphan %s: %w", id, err)
		}
		deleted = append(deleted, id)
		audit.Record(ctx, c.cfg.Actor, audit.ActionTaskDeleted, c.subject(id),
			fmt.Sprintf("%s (%d)", orphanReason, counter))
		c.cfg.Bus.Publish(bus.TopicMirrorTaskDeleted, bus.TaskDeletedEvent{
			ChainID: c.cfg.ChainID, TaskID: id, Reason: orphanReason,
		})
	}
	c.logger.Info("orphan tasks removed", "count", len(deleted), "task_counter", counter)
	return deleted, nil
}

func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}
