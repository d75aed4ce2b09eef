package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
)

// Decrypt denials. Callers map them to HTTP statuses.
var (
	ErrTaskMismatch       = errors.New("reconcile: signed message names a different task")
	ErrStatusNotAllowed   = errors.New("reconcile: task status does not allow decryption")
	ErrNotParticipant     = errors.New("reconcile: only the task creator or helper can decrypt contacts")
	ErrWrappedKeyNotFound = errors.New("reconcile: wrapped DEK not found")
	ErrContactsNotFound   = errors.New("reconcile: contacts not found")
)

// DecryptRequest is a signed request to read a task's contacts.
type DecryptRequest struct {
	TaskID    string `json:"taskId"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// DecryptResult carries the contacts and the caller's wrapped DEK.
type DecryptResult struct {
	Contacts   string           `json:"contacts"`
	WrappedDEK string           `json:"wrappedDEK"`
	Role       string           `json:"role"`
	Status     chain.TaskStatus `json:"-"`
}

// StatusError is returned for tasks in a state that forbids decryption.
type StatusError struct {
	Status chain.TaskStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s", ErrStatusNotAllowed, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrStatusNotAllowed }

// ReleaseContacts checks that the request is signed by a participant of a
// task whose on-chain status allows decryption, then returns the contacts.
// Rows whose plaintext column holds ciphertext fall back to the creator
// profile contacts.
func (c *Coordinator) ReleaseContacts(ctx context.Context, req DecryptRequest) (DecryptResult, error) {
	res, err := c.releaseContacts(ctx, req)
	subject := c.subject(req.TaskID)
	if err != nil {
		decision := "denied"
		if errors.Is(err, ErrChainUnavailable) {
			decision = "unavailable"
		}
		c.cfg.Metrics.RecordDecrypt(ctx, decision)
		audit.Record(ctx, req.Address, audit.ActionDecryptDenied, subject, err.Error())
		c.logger.Info("contacts decrypt denied", "task_id", req.TaskID, "address", req.Address, "reason", err)
		return res, err
	}
	c.cfg.Metrics.RecordDecrypt(ctx, "allowed")
	audit.Record(ctx, req.Address, audit.ActionContactsDecrypted, subject, "role="+res.Role)
	return res, nil
}

func (c *Coordinator) releaseContacts(ctx context.Context, req DecryptRequest) (DecryptResult, error) {
	if req.TaskID == "" || req.Address == "" || req.Signature == "" || req.Message == "" {
		return DecryptResult{}, fmt.Errorf("%w: taskId, address, signature and message are required", ErrInvalidRequest)
	}
	taskNum, err := strconv.ParseUint(strings.TrimSpace(req.TaskID), 10, 64)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("%w: taskId %q", ErrInvalidRequest, req.TaskID)
	}
	if err := chain.VerifyPersonalSign(req.Message, req.Signature, req.Address); err != nil {
		return DecryptResult{}, err
	}
	// Compared as written: "007" does not match a message for task 7.
	if id, ok := chain.ExtractTaskID(req.Message); !ok || id != strings.TrimSpace(req.TaskID) {
		return DecryptResult{}, ErrTaskMismatch
	}
	taskID := strconv.FormatUint(taskNum, 10)

	onChain, err := c.chain.Task(ctx, taskNum)
	if err != nil {
		return DecryptResult{}, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}
	if !onChain.Status.AllowsDecryption() {
		return DecryptResult{Status: onChain.Status}, &StatusError{Status: onChain.Status}
	}
	if !chain.IsParticipant(req.Address, onChain) {
		return DecryptResult{Status: onChain.Status}, ErrNotParticipant
	}
	isCreator := chain.SameAddress(req.Address, onChain.Creator.Hex())

	res := DecryptResult{Status: onChain.Status, Role: "helper"}
	key, err := c.store.GetContactKey(ctx, c.cfg.ChainID, taskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return res, ErrWrappedKeyNotFound
	}
	if err != nil {
		return res, err
	}
	res.WrappedDEK = key.HelperWrappedDEK
	if isCreator {
		res.Role = "creator"
		res.WrappedDEK = key.CreatorWrappedDEK
	}
	if res.WrappedDEK == "" {
		return res, ErrWrappedKeyNotFound
	}

	task, err := c.store.GetTask(ctx, c.cfg.ChainID, taskID)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && task.ContactsPlaintext == "") {
		return res, ErrContactsNotFound
	}
	if err != nil {
		return res, err
	}
	res.Contacts = task.ContactsPlaintext
	if sealing.LooksEncrypted(res.Contacts) {
		creator := task.Creator
		if creator == "" {
			creator = onChain.Creator.Hex()
		}
		res.Contacts = c.creatorContactsFallback(ctx, creator, res.Contacts)
	}
	return res, nil
}

func (c *Coordinator) creatorContactsFallback(ctx context.Context, creator, current string) string {
	profile, err := c.store.GetProfile(ctx, creator)
	if err != nil || profile.Contacts == "" {
		return current
	}
	return profile.Contacts
}
