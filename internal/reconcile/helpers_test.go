package reconcile

import (
	"context"
	"crypto/ecdsa"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/chain/chaintest"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/sealing"
)

const testChainID = "84532"

type harness struct {
	c     *Coordinator
	fake  *chaintest.Fake
	store *persistence.Store
	bus   *bus.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mirror.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := chaintest.New(84532)
	b := bus.New()
	c, err := New(Config{
		ChainID:       testChainID,
		Store:         store,
		Chain:         fake,
		Bus:           b,
		PublicBaseURL: "https://api.test",
		Concurrency:   3,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.now = func() time.Time { return time.Unix(1735689600, 0) }
	return &harness{c: c, fake: fake, store: store, bus: b}
}

// party is a wallet with a contacts encryption key pair.
type party struct {
	key     *ecdsa.PrivateKey
	addr    string
	pub     string
	secret  string
	contact string
}

func newParty(t *testing.T, contact string) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	pub, secret, err := sealing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate box key: %v", err)
	}
	return party{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		pub:     pub,
		secret:  secret,
		contact: contact,
	}
}

func (p party) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func (h *harness) addProfile(t *testing.T, p party) {
	t.Helper()
	if err := h.store.UpsertProfile(context.Background(), persistence.Profile{
		Address:          p.addr,
		Nickname:         "n-" + p.addr[2:6],
		EncryptionPubKey: p.pub,
		Contacts:         p.contact,
	}); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
}

func (h *harness) addChainTask(id uint64, creator party, uri string) {
	h.fake.AddTask(chain.OnChainTask{
		TaskID:    id,
		Creator:   common.HexToAddress(creator.addr),
		TaskURI:   uri,
		Status:    chain.StatusOpen,
		CreatedAt: 1735000000 + id,
	})
}

// openContacts unwraps the DEK with secret and decrypts the task payload.
func (h *harness) openContacts(t *testing.T, taskID, wrapped, secret string) string {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), testChainID, taskID)
	if err != nil {
		t.Fatalf("get task %s: %v", taskID, err)
	}
	dek, err := sealing.UnwrapDEK(wrapped, secret)
	if err != nil {
		t.Fatalf("unwrap DEK: %v", err)
	}
	plain, err := sealing.DecryptContacts(task.ContactsEncryptedPayload, dek)
	if err != nil {
		t.Fatalf("decrypt contacts: %v", err)
	}
	return plain
}

func (h *harness) key(t *testing.T, taskID string) *persistence.ContactKey {
	t.Helper()
	key, err := h.store.GetContactKey(context.Background(), testChainID, taskID)
	if err != nil {
		t.Fatalf("get contact key %s: %v", taskID, err)
	}
	return key
}
