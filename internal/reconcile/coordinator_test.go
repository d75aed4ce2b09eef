package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
)

func TestNew_RequiresDependencies(t *testing.T) {
	h := newHarness(t)
	if _, err := New(Config{Store: h.store, Chain: h.fake}); err == nil {
		t.Fatal("expected error without chain id")
	}
	if _, err := New(Config{ChainID: testChainID, Chain: h.fake}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, err := New(Config{ChainID: testChainID, Store: h.store}); err == nil {
		t.Fatal("expected error without chain reader")
	}
}

func TestSyncTask_CreatesTaskAndContactKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "telegram: @alice")
	h.addProfile(t, alice)

	sub := h.bus.Subscribe("sync.task.")
	defer h.bus.Unsubscribe(sub)

	outcome, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr, CreatedAt: "1735000001", Source: SourceEvent})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("outcome = %s, want created", outcome)
	}

	task, err := h.store.GetTask(ctx, testChainID, "1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Title != persistence.PlaceholderTitle("1") || task.Description != persistence.PlaceholderDescription {
		t.Fatalf("expected placeholder metadata, got %q / %q", task.Title, task.Description)
	}
	if task.ContactsPlaintext != alice.contact {
		t.Fatalf("plaintext = %q, want creator contacts", task.ContactsPlaintext)
	}
	if task.CreatedAt != "1735000001" || task.Creator != alice.addr {
		t.Fatalf("unexpected created_at/creator: %q %q", task.CreatedAt, task.Creator)
	}

	key := h.key(t, "1")
	if key.HelperWrappedDEK != "" {
		t.Fatalf("expected empty helper DEK, got %q", key.HelperWrappedDEK)
	}
	if got := h.openContacts(t, "1", key.CreatorWrappedDEK, alice.secret); got != alice.contact {
		t.Fatalf("creator decrypts %q, want %q", got, alice.contact)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskSyncedEvent)
		if !ok || payload.TaskID != "1" || payload.Action != string(OutcomeCreated) || payload.Source != SourceEvent {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected sync.task.synced event")
	}
}

func TestSyncTask_NoContactsEncryptsPlaceholder(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "")
	h.addProfile(t, alice)

	if _, err := h.c.SyncTask(context.Background(), SyncParams{TaskID: "1", Creator: alice.addr}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := h.openContacts(t, "1", h.key(t, "1").CreatorWrappedDEK, alice.secret); got != "N/A" {
		t.Fatalf("contacts = %q, want N/A", got)
	}
}

func TestSyncTask_DefaultsCreatedAtToNow(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "x")
	h.addProfile(t, alice)

	if _, err := h.c.SyncTask(context.Background(), SyncParams{TaskID: "3", Creator: alice.addr}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	task, _ := h.store.GetTask(context.Background(), testChainID, "3")
	if task.CreatedAt != "1735689600" {
		t.Fatalf("created_at = %q, want clock seconds", task.CreatedAt)
	}
}

func TestSyncTask_MetadataFromReferencedTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "mail: alice@example.com")
	h.addProfile(t, alice)

	if err := h.store.UpsertTask(ctx, persistence.Task{
		ChainID: testChainID, TaskID: "5", Title: "Paint the fence", Description: "White, two coats",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.c.SyncTask(ctx, SyncParams{
		TaskID: "6", Creator: alice.addr, TaskURI: "https://api.everecho.io/task/5.json",
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	task, _ := h.store.GetTask(ctx, testChainID, "6")
	if task.Title != "Paint the fence" || task.Description != "White, two coats" {
		t.Fatalf("metadata not copied: %q / %q", task.Title, task.Description)
	}

	// A placeholder row is never copied.
	if err := h.store.UpsertTask(ctx, persistence.Task{
		ChainID: testChainID, TaskID: "7", Title: persistence.PlaceholderTitle("7"), Description: persistence.PlaceholderDescription,
	}); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}
	if _, err := h.c.SyncTask(ctx, SyncParams{
		TaskID: "8", Creator: alice.addr, TaskURI: "https://api.everecho.io/task/7.json",
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	task, _ = h.store.GetTask(ctx, testChainID, "8")
	if task.Title != persistence.PlaceholderTitle("8") {
		t.Fatalf("title = %q, want own placeholder", task.Title)
	}
}

func TestSyncTask_IdempotentWhenComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "x")
	h.addProfile(t, alice)

	if _, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before := h.key(t, "1")
	outcome, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if outcome != OutcomeComplete {
		t.Fatalf("outcome = %s, want complete", outcome)
	}
	if after := h.key(t, "1"); after.CreatorWrappedDEK != before.CreatorWrappedDEK {
		t.Fatal("complete task must not be re-keyed")
	}
}

func TestSyncTask_HelperJoinRotatesDEK(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "telegram: @alice")
	bob := newParty(t, "telegram: @bob")
	h.addProfile(t, alice)
	h.addProfile(t, bob)

	if _, err := h.c.SyncTask(ctx, SyncParams{TaskID: "2", Creator: alice.addr}); err != nil {
		t.Fatalf("create: %v", err)
	}
	oldPayload := mustTask(t, h, "2").ContactsEncryptedPayload

	outcome, err := h.c.SyncTask(ctx, SyncParams{TaskID: "2", Creator: alice.addr, Helper: bob.addr, Source: SourceEvent})
	if err != nil {
		t.Fatalf("helper sync: %v", err)
	}
	if outcome != OutcomeHelperKeyUpdated {
		t.Fatalf("outcome = %s, want helper_key_updated", outcome)
	}
	if mustTask(t, h, "2").ContactsEncryptedPayload == oldPayload {
		t.Fatal("payload must be re-encrypted under a new DEK")
	}
	key := h.key(t, "2")
	if got := h.openContacts(t, "2", key.CreatorWrappedDEK, alice.secret); got != alice.contact {
		t.Fatalf("creator decrypts %q", got)
	}
	if got := h.openContacts(t, "2", key.HelperWrappedDEK, bob.secret); got != alice.contact {
		t.Fatalf("helper decrypts %q", got)
	}
	if _, err := sealing.UnwrapDEK(key.HelperWrappedDEK, alice.secret); err == nil {
		t.Fatal("creator secret must not open the helper's wrapped DEK")
	}
}

func TestSyncTask_HelperWrappedAtCreation(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "a")
	bob := newParty(t, "b")
	h.addProfile(t, alice)
	h.addProfile(t, bob)

	if _, err := h.c.SyncTask(context.Background(), SyncParams{TaskID: "1", Creator: alice.addr, Helper: bob.addr}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := h.openContacts(t, "1", h.key(t, "1").HelperWrappedDEK, bob.secret); got != "a" {
		t.Fatalf("helper decrypts %q", got)
	}
}

func TestSyncTask_HelperWithoutProfileLeavesHelperDEKEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "a")
	bob := newParty(t, "b")
	h.addProfile(t, alice)

	if _, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr, Helper: bob.addr}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.key(t, "1").HelperWrappedDEK != "" {
		t.Fatal("helper without profile must not get a wrapped DEK")
	}
	_, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr, Helper: bob.addr})
	if !errors.Is(err, ErrHelperProfileMissing) {
		t.Fatalf("expected ErrHelperProfileMissing, got %v", err)
	}
}

func TestSyncTask_CreatorProfileRequired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "a")

	_, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr})
	if !errors.Is(err, ErrCreatorProfileMissing) {
		t.Fatalf("expected ErrCreatorProfileMissing, got %v", err)
	}
	if _, err := h.store.GetTask(ctx, testChainID, "1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("no task row expected, got %v", err)
	}

	if _, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1"}); !errors.Is(err, ErrCreatorUnknown) {
		t.Fatalf("expected ErrCreatorUnknown, got %v", err)
	}

	alice.pub = "abcd"
	h.addProfile(t, alice)
	if _, err := h.c.SyncTask(ctx, SyncParams{TaskID: "1", Creator: alice.addr}); !errors.Is(err, sealing.ErrInvalidPubKey) {
		t.Fatalf("expected ErrInvalidPubKey, got %v", err)
	}
}

func TestSyncTask_ContactKeyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "profile contacts")
	h.addProfile(t, alice)

	if err := h.store.UpsertTask(ctx, persistence.Task{
		ChainID: testChainID, TaskID: "4", Title: "Walk my dog", Description: "Twice a day",
		ContactsPlaintext: "task contacts", Creator: alice.addr,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The creator comes from the mirror row when the caller does not know it.
	outcome, err := h.c.SyncTask(ctx, SyncParams{TaskID: "4"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if outcome != OutcomeContactKeyCreated {
		t.Fatalf("outcome = %s, want contact_key_created", outcome)
	}
	if got := h.openContacts(t, "4", h.key(t, "4").CreatorWrappedDEK, alice.secret); got != "task contacts" {
		t.Fatalf("decrypts %q, want the task's own plaintext", got)
	}
	if mustTask(t, h, "4").Title != "Walk my dog" {
		t.Fatal("metadata must be kept")
	}
}

func TestSyncTask_HelperUpdateNeedsPlaintext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "a")
	bob := newParty(t, "b")
	h.addProfile(t, alice)
	h.addProfile(t, bob)

	if err := h.store.UpsertTask(ctx, persistence.Task{ChainID: testChainID, TaskID: "9", Title: "t", Description: "d"}); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := h.store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChainID, TaskID: "9", CreatorWrappedDEK: "aa"}); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	_, err := h.c.SyncTask(ctx, SyncParams{TaskID: "9", Creator: alice.addr, Helper: bob.addr})
	if !errors.Is(err, ErrPlaintextMissing) {
		t.Fatalf("expected ErrPlaintextMissing, got %v", err)
	}
}

func TestSyncTask_ConcurrentCallsCreateOnce(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "a")
	h.addProfile(t, alice)

	const n = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := h.c.SyncTask(context.Background(), SyncParams{TaskID: "1", Creator: alice.addr, Source: SourceEvent})
			if err != nil {
				t.Errorf("sync: %v", err)
				return
			}
			outcomes <- o
		}()
	}
	wg.Wait()
	close(outcomes)

	created := 0
	for o := range outcomes {
		if o == OutcomeCreated {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("created %d times, want exactly once", created)
	}
	if h.c.locks.size() != 0 {
		t.Fatalf("lock table not drained: %d", h.c.locks.size())
	}
}

func TestSyncTaskFromChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "a")
	h.addProfile(t, alice)
	h.addChainTask(1, alice, "")

	outcome, err := h.c.SyncTaskFromChain(ctx, 1, SourceManual)
	if err != nil || outcome != OutcomeCreated {
		t.Fatalf("sync from chain = %s, %v", outcome, err)
	}
	if got := mustTask(t, h, "1").CreatedAt; got != "1735000001" {
		t.Fatalf("created_at = %q, want on-chain seconds", got)
	}
	if _, err := h.c.SyncTaskFromChain(ctx, 2, SourceManual); !errors.Is(err, ErrTaskNotOnChain) {
		t.Fatalf("expected ErrTaskNotOnChain, got %v", err)
	}
}

func mustTask(t *testing.T, h *harness, id string) *persistence.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), testChainID, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}
