package gateway_test

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/chain/chaintest"
	"github.com/basket/escrowmirror/internal/gateway"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
	"github.com/basket/escrowmirror/internal/sealing"
)

const (
	testChainID = "84532"
	testToken   = "operator-token"
)

type harness struct {
	srv   *gateway.Server
	ts    *httptest.Server
	fake  *chaintest.Fake
	store *persistence.Store
	bus   *bus.Bus
}

func newHarness(t *testing.T, mutate ...func(*gateway.Config)) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "mirror.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fake := chaintest.New(84532)
	b := bus.New()
	coord, err := reconcile.New(reconcile.Config{
		ChainID:       testChainID,
		Store:         store,
		Chain:         fake,
		Bus:           b,
		PublicBaseURL: "https://api.test",
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	cfg := gateway.Config{
		Coordinator:       coord,
		Bus:               b,
		AuthToken:         testToken,
		ConfigFingerprint: "abc123",
		Version:           "test",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, fake: fake, store: store, bus: b}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

// party is a wallet with a contacts encryption key pair.
type party struct {
	key    *ecdsa.PrivateKey
	addr   string
	pub    string
	secret string
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	pub, secret, err := sealing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate box key: %v", err)
	}
	return party{key: key, addr: crypto.PubkeyToAddress(key.PublicKey).Hex(), pub: pub, secret: secret}
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

func (p party) decryptBody(t *testing.T, taskID string) map[string]string {
	msg := chain.DecryptMessage(taskID)
	return map[string]string{"taskId": taskID, "address": p.addr, "signature": p.sign(t, msg), "message": msg}
}

func (p party) profileBody(nickname string) map[string]any {
	return map[string]any{
		"address": p.addr, "nickname": nickname, "city": "Lisbon",
		"skills": []string{"repairs"}, "encryptionPubKey": p.pub, "contacts": "tg: @" + nickname,
	}
}

func (h *harness) addChainTask(id uint64, creator party) {
	h.fake.AddTask(chain.OnChainTask{
		TaskID:    id,
		Creator:   common.HexToAddress(creator.addr),
		Status:    chain.StatusOpen,
		CreatedAt: 1735000000 + id,
	})
}
