package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/escrowmirror/internal/persistence"
)

func TestPublishTask_EncryptsForCreator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := newParty(t, "profile contacts")
	h.addProfile(t, alice)
	h.fake.SetCounter(4)

	res, err := h.c.PublishTask(ctx, PublishRequest{
		Title: "Fix sink", Description: "Leaking", Contacts: "wechat: alice", Creator: alice.addr, Category: "home",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.TaskID != "5" || res.TaskURI != "https://api.test/task/5.json" || !res.Encrypted || res.Existing {
		t.Fatalf("unexpected result %+v", res)
	}
	task := mustTask(t, h, "5")
	if task.Category != "home" || task.Creator != alice.addr || task.CreatedAt != "1735689600" {
		t.Fatalf("unexpected task %+v", task)
	}
	key := h.key(t, "5")
	if key.HelperWrappedDEK != "" {
		t.Fatal("helper DEK must start empty")
	}
	if got := h.openContacts(t, "5", key.CreatorWrappedDEK, alice.secret); got != "wechat: alice" {
		t.Fatalf("creator decrypts %q, want request contacts", got)
	}

	again, err := h.c.PublishTask(ctx, PublishRequest{
		Title: "Other", Description: "Other", Contacts: "other", Creator: alice.addr,
	})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !again.Existing || again.Repaired || again.TaskID != "5" {
		t.Fatalf("unexpected republish result %+v", again)
	}
	if mustTask(t, h, "5").Title != "Fix sink" {
		t.Fatal("republish must not overwrite the stored task")
	}
}

func TestPublishTask_WithoutKeyStoresPlaintextOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := newParty(t, "")

	res, err := h.c.PublishTask(ctx, PublishRequest{
		Title: "t", Description: "d", Contacts: "phone", Creator: creator.addr,
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.TaskID != "1" || res.Encrypted {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := h.store.GetContactKey(ctx, testChainID, "1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("no key expected, got %v", err)
	}

	// Once the creator registers a key, publishing again repairs the row.
	h.addProfile(t, creator)
	again, err := h.c.PublishTask(ctx, PublishRequest{
		Title: "t", Description: "d", Contacts: "phone", Creator: creator.addr,
	})
	if err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !again.Existing || !again.Repaired {
		t.Fatalf("expected repair, got %+v", again)
	}
	if got := h.openContacts(t, "1", h.key(t, "1").CreatorWrappedDEK, creator.secret); got != "phone" {
		t.Fatalf("decrypts %q", got)
	}
}

func TestPublishTask_Validation(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "")
	tests := []PublishRequest{
		{Description: "d", Contacts: "c", Creator: alice.addr},
		{Title: "t", Contacts: "c", Creator: alice.addr},
		{Title: "t", Description: "d", Creator: alice.addr},
		{Title: "t", Description: "d", Contacts: "c"},
		{Title: "t", Description: "d", Contacts: "c", Creator: "alice"},
	}
	for _, req := range tests {
		if _, err := h.c.PublishTask(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("PublishTask(%+v) = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestPublishTask_ChainUnavailable(t *testing.T) {
	h := newHarness(t)
	alice := newParty(t, "")
	h.fake.SetError(errors.New("dial tcp: refused"))
	_, err := h.c.PublishTask(context.Background(), PublishRequest{
		Title: "t", Description: "d", Contacts: "c", Creator: alice.addr,
	})
	if !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", err)
	}
}
