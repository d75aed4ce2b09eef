package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/persistence"
)

var (
	ErrInvalidRequest   = errors.New("reconcile: invalid request")
	ErrChainUnavailable = errors.New("reconcile: chain unavailable")
)

// PublishRequest is the off-chain half of a task a creator is about to post
// on chain. Contacts is plaintext; it is stored encrypted.
type PublishRequest struct {
	Title       string
	Description string
	Contacts    string
	Creator     string
	Category    string
	CreatedAt   string
}

// PublishResult reports where the task metadata was stored.
type PublishResult struct {
	TaskID    string `json:"taskId"`
	TaskURI   string `json:"taskURI"`
	Existing  bool   `json:"existing"`
	Encrypted bool   `json:"encrypted"`
	Repaired  bool   `json:"repaired,omitempty"`
}

func (r PublishRequest) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"title": r.Title, "description": r.Description, "contacts": r.Contacts, "creatorAddress": r.Creator,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sortIDs(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !chain.IsAddress(r.Creator) {
		return fmt.Errorf("%w: creatorAddress %q is not an address", ErrInvalidRequest, r.Creator)
	}
	return nil
}

// PublishTask stores metadata for the task id the escrow will assign next
// (taskCounter + 1) so the taskURI resolves by the time the transaction
// lands. Contacts are encrypted for the creator when their profile has a
// key. Publishing again before the chain moves returns the existing row,
// after adding a contact key if it was missing.
func (c *Coordinator) PublishTask(ctx context.Context, req PublishRequest) (PublishResult, error) {
	if err := req.validate(); err != nil {
		return PublishResult{}, err
	}
	taskID, err := c.NextTaskID(ctx)
	if err != nil {
		return PublishResult{}, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	res := PublishResult{TaskID: taskID, TaskURI: c.TaskURI(taskID)}

	unlock, err := c.locks.Lock(ctx, taskID)
	if err != nil {
		return res, err
	}
	defer unlock()

	existing, err := c.store.GetTask(ctx, c.cfg.ChainID, taskID)
	switch {
	case err == nil:
		res.Existing = true
		res.Repaired, err = c.repairPublishedKey(ctx, existing, req.Creator)
		return res, err
	case !errors.Is(err, persistence.ErrNotFound):
		return res, err
	}

	var payload, creatorWrapped string
	if pub := c.optionalProfileKey(ctx, req.Creator); pub != "" {
		if payload, creatorWrapped, _, err = seal(req.Contacts, pub, ""); err != nil {
			return res, err
		}
		res.Encrypted = true
	}
	createdAt := req.CreatedAt
	if createdAt == "" {
		createdAt = strconv.FormatInt(c.now().Unix(), 10)
	}

	err = c.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertTask(ctx, persistence.Task{
			ChainID:                  c.cfg.ChainID,
			TaskID:                   taskID,
			Title:                    req.Title,
			Description:              req.Description,
			ContactsEncryptedPayload: payload,
			ContactsPlaintext:        req.Contacts,
			CreatedAt:                createdAt,
			Category:                 req.Category,
			Creator:                  req.Creator,
		}); err != nil {
			return err
		}
		if creatorWrapped == "" {
			return nil
		}
		return tx.UpsertContactKey(ctx, persistence.ContactKey{
			ChainID:           c.cfg.ChainID,
			TaskID:            taskID,
			CreatorWrappedDEK: creatorWrapped,
		})
	})
	if err != nil {
		return res, fmt.Errorf("publish task %s: %w", taskID, err)
	}

	audit.Record(ctx, c.cfg.Actor, audit.ActionTaskCreated, c.subject(taskID),
		fmt.Sprintf("source=%s encrypted=%t", SourceAPI, res.Encrypted))
	c.cfg.Bus.Publish(bus.TopicTaskSynced, bus.TaskSyncedEvent{
		ChainID: c.cfg.ChainID, TaskID: taskID, Action: string(OutcomeCreated), Source: SourceAPI,
	})
	c.cfg.Metrics.RecordTaskSync(ctx, SourceAPI, string(OutcomeCreated))
	c.logger.Info("task published", "task_id", taskID, "encrypted", res.Encrypted)
	return res, nil
}

// repairPublishedKey adds the creator's contact key to an already published
// task that has none. It reports whether a key was written.
func (c *Coordinator) repairPublishedKey(ctx context.Context, task *persistence.Task, creator string) (bool, error) {
	if _, err := c.store.GetContactKey(ctx, c.cfg.ChainID, task.TaskID); err == nil {
		return false, nil
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return false, err
	}
	pub := c.optionalProfileKey(ctx, creator)
	if pub == "" || task.ContactsPlaintext == "" {
		return false, nil
	}
	payload, creatorWrapped, _, err := seal(task.ContactsPlaintext, pub, "")
	if err != nil {
		return false, err
	}
	err = c.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertContactKey(ctx, persistence.ContactKey{
			ChainID:           c.cfg.ChainID,
			TaskID:            task.TaskID,
			CreatorWrappedDEK: creatorWrapped,
		}); err != nil {
			return err
		}
		return tx.SetContactsPayload(ctx, c.cfg.ChainID, task.TaskID, payload)
	})
	if err != nil {
		return false, fmt.Errorf("repair contact key %s: %w", task.TaskID, err)
	}
	audit.Record(ctx, c.cfg.Actor, audit.ActionContactKeyCreated, c.subject(task.TaskID),
		"source="+SourceAPI+" repair=true")
	return true, nil
}
