package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/persistence"
)

type decryptFixture struct {
	h                   *harness
	alice, bob, mallory party
}

// newDecryptFixture mirrors task 1 created by alice and accepted by bob.
func newDecryptFixture(t *testing.T) decryptFixture {
	t.Helper()
	h := newHarness(t)
	f := decryptFixture{
		h:       h,
		alice:   newParty(t, "telegram: @alice"),
		bob:     newParty(t, "telegram: @bob"),
		mallory: newParty(t, "m"),
	}
	h.addProfile(t, f.alice)
	h.addProfile(t, f.bob)
	h.addChainTask(1, f.alice, "")
	h.fake.Accept(1, f.bob.addr)
	if _, err := h.c.SyncTaskFromChain(context.Background(), 1, SourceManual); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func (f decryptFixture) request(t *testing.T, p party, taskID string) DecryptRequest {
	msg := chain.DecryptMessage(taskID)
	return DecryptRequest{TaskID: taskID, Address: p.addr, Signature: p.sign(t, msg), Message: msg}
}

func TestReleaseContacts_Participants(t *testing.T) {
	f := newDecryptFixture(t)
	ctx := context.Background()
	key := f.h.key(t, "1")

	res, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.alice, "1"))
	if err != nil {
		t.Fatalf("creator: %v", err)
	}
	if res.Contacts != "telegram: @alice" || res.Role != "creator" || res.WrappedDEK != key.CreatorWrappedDEK {
		t.Fatalf("unexpected creator result %+v", res)
	}

	res, err = f.h.c.ReleaseContacts(ctx, f.request(t, f.bob, "1"))
	if err != nil {
		t.Fatalf("helper: %v", err)
	}
	if res.Role != "helper" || res.WrappedDEK != key.HelperWrappedDEK {
		t.Fatalf("unexpected helper result %+v", res)
	}
}

func TestReleaseContacts_Denials(t *testing.T) {
	f := newDecryptFixture(t)
	ctx := context.Background()

	tampered := f.request(t, f.alice, "1")
	tampered.Address = f.bob.addr

	otherTask := f.request(t, f.alice, "2")
	otherTask.TaskID = "1"

	zeroPadded := f.request(t, f.alice, "1")
	zeroPadded.TaskID = "001"

	tests := []struct {
		name string
		req  DecryptRequest
		want error
	}{
		{"missing fields", DecryptRequest{TaskID: "1", Address: f.alice.addr}, ErrInvalidRequest},
		{"bad task id", DecryptRequest{TaskID: "abc", Address: "x", Signature: "y", Message: "z"}, ErrInvalidRequest},
		{"signature from someone else", tampered, chain.ErrBadSignature},
		{"message for another task", otherTask, ErrTaskMismatch},
		{"zero padded task id", zeroPadded, ErrTaskMismatch},
		{"outsider", f.request(t, f.mallory, "1"), ErrNotParticipant},
	}
	before := audit.DeniedCount()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.h.c.ReleaseContacts(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if got := audit.DeniedCount() - before; got != int64(len(tests)) {
		t.Fatalf("denied count grew by %d, want %d", got, len(tests))
	}
}

func TestReleaseContacts_StatusGate(t *testing.T) {
	f := newDecryptFixture(t)
	ctx := context.Background()

	for _, st := range []chain.TaskStatus{chain.StatusOpen, chain.StatusCancelled} {
		f.h.fake.SetStatus(1, st)
		_, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.alice, "1"))
		var se *StatusError
		if !errors.As(err, &se) || se.Status != st || !errors.Is(err, ErrStatusNotAllowed) {
			t.Fatalf("status %s: got %v", st, err)
		}
	}
	for _, st := range []chain.TaskStatus{chain.StatusInProgress, chain.StatusSubmitted, chain.StatusCompleted} {
		f.h.fake.SetStatus(1, st)
		if _, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.alice, "1")); err != nil {
			t.Fatalf("status %s: %v", st, err)
		}
	}
}

func TestReleaseContacts_ChainUnavailable(t *testing.T) {
	f := newDecryptFixture(t)
	f.h.fake.SetError(errors.New("503"))
	if _, err := f.h.c.ReleaseContacts(context.Background(), f.request(t, f.alice, "1")); !errors.Is(err, ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", err)
	}
}

func TestReleaseContacts_MissingRows(t *testing.T) {
	f := newDecryptFixture(t)
	ctx := context.Background()

	// Task 2 is accepted on chain but was never mirrored.
	f.h.addChainTask(2, f.alice, "")
	f.h.fake.Accept(2, f.bob.addr)
	if _, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.bob, "2")); !errors.Is(err, ErrWrappedKeyNotFound) {
		t.Fatalf("expected ErrWrappedKeyNotFound, got %v", err)
	}

	// Helper DEK not yet wrapped.
	if err := f.h.store.UpsertContactKey(ctx, persistence.ContactKey{ChainID: testChainID, TaskID: "1", CreatorWrappedDEK: f.h.key(t, "1").CreatorWrappedDEK}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.bob, "1")); !errors.Is(err, ErrWrappedKeyNotFound) {
		t.Fatalf("expected ErrWrappedKeyNotFound for helper, got %v", err)
	}
}

func TestReleaseContacts_CiphertextFallsBackToProfile(t *testing.T) {
	f := newDecryptFixture(t)
	ctx := context.Background()
	task := mustTask(t, f.h, "1")
	task.ContactsPlaintext = task.ContactsEncryptedPayload
	if err := f.h.store.UpsertTask(ctx, *task); err != nil {
		t.Fatal(err)
	}

	res, err := f.h.c.ReleaseContacts(ctx, f.request(t, f.bob, "1"))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Contacts != "telegram: @alice" {
		t.Fatalf("contacts = %q, want creator profile contacts", res.Contacts)
	}
}
