// Package reconcile keeps the off-chain task mirror consistent with the
// escrow contract. Every writer of Task and ContactKey rows goes through the
// Coordinator so concurrent listeners, scheduled runs and manual repairs of
// the same task never race.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
	"github.com/basket/escrowmirror/internal/shared"
	"github.com/basket/escrowmirror/internal/taskuri"
)

// Sync sources recorded on runs, metrics and bus events.
const (
	SourceEvent     = "event"
	SourceChainSync = "chain-sync"
	SourceManual    = "manual"
	SourceAPI       = "api"
)

// noContacts is encrypted when neither the task nor the creator profile
// carries contacts.
const noContacts = "N/A"

const defaultConcurrency = 4

// Outcome describes what SyncTask changed.
type Outcome string

const (
	OutcomeComplete          Outcome = "complete"
	OutcomeCreated           Outcome = "created"
	OutcomeContactKeyCreated Outcome = "contact_key_created"
	OutcomeHelperKeyUpdated  Outcome = "helper_key_updated"
	outcomeFailed                    = "failed"
)

var (
	ErrCreatorUnknown        = errors.New("reconcile: creator address unknown")
	ErrCreatorProfileMissing = errors.New("reconcile: creator profile or encryption key missing")
	ErrHelperProfileMissing  = errors.New("reconcile: helper profile or encryption key missing")
	ErrPlaintextMissing      = errors.New("reconcile: task has no stored contacts plaintext")
	ErrTaskNotOnChain        = errors.New("reconcile: task does not exist on chain")
)

// Config wires a Coordinator to one chain.
type Config struct {
	ChainID       string
	Store         *persistence.Store
	Chain         chain.Reader
	Bus           *bus.Bus
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Metrics       *otelPkg.Metrics
	Fetcher       MetadataFetcher
	PublicBaseURL string
	Actor         string // recorded in the audit log
	Concurrency   int    // batch workers
}

// Coordinator is the single writer of mirror rows for a chain.
type Coordinator struct {
	cfg    Config
	store  *persistence.Store
	chain  chain.Reader
	logger *slog.Logger
	tracer trace.Tracer
	locks  *keyedMutex
	now    func() time.Time
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.ChainID == "" {
		return nil, errors.New("reconcile: chain id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("reconcile: chain reader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Actor == "" {
		cfg.Actor = "mirror"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = taskuri.DefaultBase
	}
	return &Coordinator{
		cfg:    cfg,
		store:  cfg.Store,
		chain:  cfg.Chain,
		logger: cfg.Logger.With("subsystem", "reconcile"),
		tracer: otelPkg.NoopTracer(cfg.Tracer),
		locks:  newKeyedMutex(),
		now:    time.Now,
	}, nil
}

// ChainID returns the chain this coordinator mirrors.
func (c *Coordinator) ChainID() string { return c.cfg.ChainID }

// Store returns the backing store.
func (c *Coordinator) Store() *persistence.Store { return c.store }

// Chain returns the chain reader.
func (c *Coordinator) Chain() chain.Reader { return c.chain }

// TaskURI returns the public metadata URI of a task.
func (c *Coordinator) TaskURI(taskID string) string {
	return taskuri.Build(c.cfg.PublicBaseURL, taskID)
}

// SyncParams identifies a task and its parties as seen on chain.
type SyncParams struct {
	TaskID    string
	Creator   string
	Helper    string // empty or zero address when nobody accepted yet
	TaskURI   string
	CreatedAt string // on-chain seconds; now when empty
	Source    string
}

// SyncTask brings the mirror rows of one task up to date:
//
//	task and key present: wrap for the helper if one joined, else nothing
//	task present, key missing: create the key from the stored plaintext
//	task missing: create task and key from the creator profile
//
// Calls for the same task id are serialized.
func (c *Coordinator) SyncTask(ctx context.Context, p SyncParams) (Outcome, error) {
	if p.TaskID == "" {
		return "", errors.New("reconcile: task id is required")
	}
	if p.Source == "" {
		p.Source = SourceManual
	}
	ctx = shared.WithTaskID(shared.WithChainID(ctx, c.cfg.ChainID), p.TaskID)
	ctx, span := otelPkg.StartSpan(ctx, c.tracer, "reconcile.sync_task",
		otelPkg.AttrChainID.String(c.cfg.ChainID),
		otelPkg.AttrTaskID.String(p.TaskID),
		otelPkg.AttrSyncSource.String(p.Source),
	)
	defer span.End()

	unlock, err := c.locks.Lock(ctx, p.TaskID)
	if err != nil {
		return "", fmt.Errorf("lock task %s: %w", p.TaskID, err)
	}
	defer unlock()

	outcome, err := c.syncLocked(ctx, p)
	c.observe(ctx, span, p, outcome, err)
	return outcome, err
}

// SyncTaskFromChain reads the task from the contract and syncs it.
func (c *Coordinator) SyncTaskFromChain(ctx context.Context, taskID uint64, source string) (Outcome, error) {
	t, err := c.chain.Task(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("read task %d: %w", taskID, err)
	}
	if !t.Exists() {
		return "", fmt.Errorf("%w: %d", ErrTaskNotOnChain, taskID)
	}
	return c.SyncTask(ctx, paramsFromChain(t, source))
}

func paramsFromChain(t chain.OnChainTask, source string) SyncParams {
	p := SyncParams{
		TaskID:  strconv.FormatUint(t.TaskID, 10),
		Creator: t.Creator.Hex(),
		TaskURI: t.TaskURI,
		Source:  source,
	}
	if t.HasHelper() {
		p.Helper = t.Helper.Hex()
	}
	if t.CreatedAt > 0 {
		p.CreatedAt = strconv.FormatUint(t.CreatedAt, 10)
	}
	return p
}

func (c *Coordinator) syncLocked(ctx context.Context, p SyncParams) (Outcome, error) {
	task, err := c.store.GetTask(ctx, c.cfg.ChainID, p.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return c.createTaskAndContactKey(ctx, p)
	}
	if err != nil {
		return "", err
	}

	key, err := c.store.GetContactKey(ctx, c.cfg.ChainID, p.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return c.createContactKeyOnly(ctx, p, task)
	}
	if err != nil {
		return "", err
	}
	if !isZeroAddress(p.Helper) && key.HelperWrappedDEK == "" {
		return c.updateHelperWrappedDEK(ctx, p, task)
	}
	return OutcomeComplete, nil
}

func (c *Coordinator) observe(ctx context.Context, span trace.Span, p SyncParams, outcome Outcome, err error) {
	log := c.logger.With(shared.LogAttrs(ctx)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cfg.Metrics.RecordTaskSync(ctx, p.Source, outcomeFailed)
		c.cfg.Bus.Publish(bus.TopicTaskFailed, bus.TaskFailedEvent{
			ChainID: c.cfg.ChainID, TaskID: p.TaskID, Source: p.Source, Error: err.Error(),
		})
		log.Warn("task sync failed", "source", p.Source, "error", err)
		return
	}
	span.SetAttributes(otelPkg.AttrSyncOutcome.String(string(outcome)))
	c.cfg.Metrics.RecordTaskSync(ctx, p.Source, string(outcome))
	if outcome == OutcomeComplete {
		log.Debug("task already complete", "source", p.Source)
		return
	}
	c.cfg.Bus.Publish(bus.TopicTaskSynced, bus.TaskSyncedEvent{
		ChainID: c.cfg.ChainID, TaskID: p.TaskID, Action: string(outcome), Source: p.Source,
	})
	log.Info("task synced", "source", p.Source, "outcome", string(outcome))
}

func (c *Coordinator) createTaskAndContactKey(ctx context.Context, p SyncParams) (Outcome, error) {
	if isZeroAddress(p.Creator) {
		return "", ErrCreatorUnknown
	}
	creator, err := c.requireProfileKey(ctx, p.Creator, ErrCreatorProfileMissing)
	if err != nil {
		return "", err
	}
	plaintext := creator.Contacts
	if plaintext == "" {
		plaintext = noContacts
	}
	helperPub := c.optionalProfileKey(ctx, p.Helper)

	payload, creatorWrapped, helperWrapped, err := seal(plaintext, creator.EncryptionPubKey, helperPub)
	if err != nil {
		return "", err
	}

	title, description, ok := c.metadataFromMirror(ctx, p.TaskURI)
	if !ok {
		title, description = persistence.PlaceholderTitle(p.TaskID), persistence.PlaceholderDescription
	}
	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = strconv.FormatInt(c.now().Unix(), 10)
	}

	err = c.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertTask(ctx, persistence.Task{
			ChainID:                  c.cfg.ChainID,
			TaskID:                   p.TaskID,
			Title:                    title,
			Description:              description,
			ContactsEncryptedPayload: payload,
			ContactsPlaintext:        plaintext,
			CreatedAt:                createdAt,
			Creator:                  p.Creator,
		}); err != nil {
			return err
		}
		return tx.UpsertContactKey(ctx, persistence.ContactKey{
			ChainID:           c.cfg.ChainID,
			TaskID:            p.TaskID,
			CreatorWrappedDEK: creatorWrapped,
			HelperWrappedDEK:  helperWrapped,
		})
	})
	if err != nil {
		return "", fmt.Errorf("create task %s: %w", p.TaskID, err)
	}
	audit.Record(ctx, c.cfg.Actor, audit.ActionTaskCreated, c.subject(p.TaskID),
		fmt.Sprintf("source=%s placeholder=%t helper_wrapped=%t", p.Source, !ok, helperWrapped != ""))
	return OutcomeCreated, nil
}

func (c *Coordinator) createContactKeyOnly(ctx context.Context, p SyncParams, task *persistence.Task) (Outcome, error) {
	creatorAddr := p.Creator
	if isZeroAddress(creatorAddr) {
		creatorAddr = task.Creator
	}
	if isZeroAddress(creatorAddr) {
		return "", ErrCreatorUnknown
	}
	creator, err := c.requireProfileKey(ctx, creatorAddr, ErrCreatorProfileMissing)
	if err != nil {
		return "", err
	}
	plaintext := task.ContactsPlaintext
	if plaintext == "" {
		plaintext = noContacts
	}
	helperPub := c.optionalProfileKey(ctx, p.Helper)

	payload, creatorWrapped, helperWrapped, err := seal(plaintext, creator.EncryptionPubKey, helperPub)
	if err != nil {
		return "", err
	}
	err = c.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertContactKey(ctx, persistence.ContactKey{
			ChainID:           c.cfg.ChainID,
			TaskID:            p.TaskID,
			CreatorWrappedDEK: creatorWrapped,
			HelperWrappedDEK:  helperWrapped,
		}); err != nil {
			return err
		}
		return tx.SetContactsPayload(ctx, c.cfg.ChainID, p.TaskID, payload)
	})
	if err != nil {
		return "", fmt.Errorf("create contact key %s: %w", p.TaskID, err)
	}
	audit.Record(ctx, c.cfg.Actor, audit.ActionContactKeyCreated, c.subject(p.TaskID),
		fmt.Sprintf("source=%s helper_wrapped=%t", p.Source, helperWrapped != ""))
	return OutcomeContactKeyCreated, nil
}

// updateHelperWrappedDEK rotates the DEK and wraps it for both parties.
func (c *Coordinator) updateHelperWrappedDEK(ctx context.Context, p SyncParams, task *persistence.Task) (Outcome, error) {
	if task.ContactsPlaintext == "" {
		return "", ErrPlaintextMissing
	}
	creatorAddr := p.Creator
	if isZeroAddress(creatorAddr) {
		creatorAddr = task.Creator
	}
	if isZeroAddress(creatorAddr) {
		return "", ErrCreatorUnknown
	}
	creator, err := c.requireProfileKey(ctx, creatorAddr, ErrCreatorProfileMissing)
	if err != nil {
		return "", err
	}
	helper, err := c.requireProfileKey(ctx, p.Helper, ErrHelperProfileMissing)
	if err != nil {
		return "", err
	}

	payload, creatorWrapped, helperWrapped, err := seal(task.ContactsPlaintext, creator.EncryptionPubKey, helper.EncryptionPubKey)
	if err != nil {
		return "", err
	}
	err = c.store.WithTx(ctx, func(tx *persistence.Tx) error {
		if err := tx.UpsertContactKey(ctx, persistence.ContactKey{
			ChainID:           c.cfg.ChainID,
			TaskID:            p.TaskID,
			CreatorWrappedDEK: creatorWrapped,
			HelperWrappedDEK:  helperWrapped,
		}); err != nil {
			return err
		}
		return tx.SetContactsPayload(ctx, c.cfg.ChainID, p.TaskID, payload)
	})
	if err != nil {
		return "", fmt.Errorf("update helper key %s: %w", p.TaskID, err)
	}
	audit.Record(ctx, c.cfg.Actor, audit.ActionHelperKeyUpdated, c.subject(p.TaskID),
		fmt.Sprintf("source=%s helper=%s", p.Source, p.Helper))
	return OutcomeHelperKeyUpdated, nil
}

// seal encrypts plaintext under a fresh DEK and wraps the DEK for the creator
// and, when helperPub is set, the helper.
func seal(plaintext, creatorPub, helperPub string) (payload, creatorWrapped, helperWrapped string, err error) {
	dek, err := sealing.GenerateDEK()
	if err != nil {
		return "", "", "", err
	}
	if payload, err = sealing.EncryptContacts(plaintext, dek); err != nil {
		return "", "", "", err
	}
	if creatorWrapped, err = sealing.WrapDEK(dek, creatorPub); err != nil {
		return "", "", "", fmt.Errorf("wrap for creator: %w", err)
	}
	if helperPub != "" {
		if helperWrapped, err = sealing.WrapDEK(dek, helperPub); err != nil {
			return "", "", "", fmt.Errorf("wrap for helper: %w", err)
		}
	}
	return payload, creatorWrapped, helperWrapped, nil
}

// requireProfileKey returns the profile of address, failing with missing when
// it has no usable encryption key.
func (c *Coordinator) requireProfileKey(ctx context.Context, address string, missing error) (*persistence.Profile, error) {
	if isZeroAddress(address) {
		return nil, missing
	}
	profile, err := c.store.GetProfile(ctx, address)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", missing, address)
	}
	if err != nil {
		return nil, err
	}
	if profile.EncryptionPubKey == "" {
		return nil, fmt.Errorf("%w: %s", missing, address)
	}
	if !sealing.ValidatePubKey(profile.EncryptionPubKey) {
		return nil, fmt.Errorf("profile %s: %w", address, sealing.ErrInvalidPubKey)
	}
	return profile, nil
}

// optionalProfileKey returns the public key of address, or "" when the
// address is unset or cannot receive a wrapped DEK yet.
func (c *Coordinator) optionalProfileKey(ctx context.Context, address string) string {
	if isZeroAddress(address) {
		return ""
	}
	profile, err := c.store.GetProfile(ctx, address)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			c.logger.Warn("profile lookup failed", "address", address, "error", err)
		}
		return ""
	}
	if !sealing.ValidatePubKey(profile.EncryptionPubKey) {
		return ""
	}
	return profile.EncryptionPubKey
}

// metadataFromMirror resolves the task id encoded in uri and returns that
// mirror row's metadata when it is not a placeholder.
func (c *Coordinator) metadataFromMirror(ctx context.Context, uri string) (title, description string, ok bool) {
	if uri == "" {
		return "", "", false
	}
	id, ok := taskuri.Parse(uri)
	if !ok {
		return "", "", false
	}
	task, err := c.store.GetTask(ctx, c.cfg.ChainID, id)
	if err != nil || task.Title == "" || task.HasPlaceholderMetadata() {
		return "", "", false
	}
	return task.Title, task.Description, true
}

func (c *Coordinator) subject(taskID string) string {
	return c.cfg.ChainID + "/" + taskID
}

func isZeroAddress(s string) bool {
	if !chain.IsAddress(s) {
		return true
	}
	return common.HexToAddress(s) == (common.Address{})
}
