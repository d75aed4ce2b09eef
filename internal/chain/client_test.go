package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const testContract = "0x9999999999999999999999999999999999999999"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers the handful of JSON-RPC methods the client uses.
type fakeNode struct {
	t       *testing.T
	chainID uint64
	counter uint64
	tasks   map[uint64]OnChainTask
	calls   atomic.Int64
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var result any
	switch req.Method {
	case "eth_chainId":
		result = hexutil.EncodeUint64(n.chainID)
	case "eth_blockNumber":
		result = hexutil.EncodeUint64(1234)
	case "eth_getCode":
		result = "0x6080"
	case "eth_call":
		var call map[string]string
		_ = json.Unmarshal(req.Params[0], &call)
		input := call["input"]
		if input == "" {
			input = call["data"]
		}
		data, _ := hexutil.Decode(input)
		method, err := EscrowABI.MethodById(data[:4])
		if err != nil {
			n.t.Errorf("unknown selector: %x", data[:4])
			return
		}
		var out []byte
		switch method.Name {
		case "taskCounter":
			out, _ = method.Outputs.Pack(new(big.Int).SetUint64(n.counter))
		case "tasks":
			args, _ := method.Inputs.Unpack(data[4:])
			out = packTask(n.t, n.tasks[args[0].(*big.Int).Uint64()])
		}
		result = hexutil.Encode(out)
	case "eth_getLogs":
		lg := taskCreatedLog(n.t, 5, creatorAddr, "https://api.everecho.io/task/5.json")
		result = []map[string]any{{
			"address":          testContract,
			"topics":           lg.Topics,
			"data":             hexutil.Encode(lg.Data),
			"blockNumber":      "0x64",
			"transactionHash":  common.HexToHash("0xabc").Hex(),
			"transactionIndex": "0x0",
			"blockHash":        common.HexToHash("0xdef").Hex(),
			"logIndex":         "0x0",
			"removed":          false,
		}}
	default:
		n.t.Errorf("unexpected method %s", req.Method)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func newTestClient(t *testing.T, endpoints ...string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoints: endpoints, Contract: testContract, CallTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClient_ReadsEscrow(t *testing.T) {
	node := &fakeNode{t: t, chainID: 84532, counter: 2, tasks: map[uint64]OnChainTask{
		2: {TaskID: 2, Creator: creatorAddr, Helper: helperAddr, TaskURI: "https://api.everecho.io/task/2.json", Status: StatusInProgress},
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	if err := ValidateChainID(ctx, c, 84532); err != nil {
		t.Fatalf("validate chain id: %v", err)
	}
	if err := ValidateChainID(ctx, c, 1); err == nil || !strings.Contains(err.Error(), "mismatch") {
		t.Fatalf("expected mismatch, got %v", err)
	}
	counter, err := c.TaskCounter(ctx)
	if err != nil || counter != 2 {
		t.Fatalf("counter = %d, %v", counter, err)
	}
	task, err := c.Task(ctx, 2)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Status != StatusInProgress || task.Helper != helperAddr {
		t.Fatalf("unexpected task: %+v", task)
	}
	if ok, err := c.HasCode(ctx); err != nil || !ok {
		t.Fatalf("has code = %v, %v", ok, err)
	}
	if head, err := c.BlockNumber(ctx); err != nil || head != 1234 {
		t.Fatalf("block number = %d, %v", head, err)
	}

	events, err := c.FilterTaskEvents(ctx, 0, 1234)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(events) != 1 || events[0].TaskID != 5 || events[0].Name != EventTaskCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestClient_FailsOverToNextEndpoint(t *testing.T) {
	var brokenCalls atomic.Int64
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenCalls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer broken.Close()
	node := &fakeNode{t: t, chainID: 84532, counter: 9}
	good := httptest.NewServer(node)
	defer good.Close()

	c := newTestClient(t, broken.URL, good.URL)
	counter, err := c.TaskCounter(context.Background())
	if err != nil || counter != 9 {
		t.Fatalf("counter = %d, %v", counter, err)
	}
	if brokenCalls.Load() != 1 || node.calls.Load() != 1 {
		t.Fatalf("calls broken=%d good=%d", brokenCalls.Load(), node.calls.Load())
	}
}

func TestClient_TimeoutMovesOn(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	good := httptest.NewServer(&fakeNode{t: t, chainID: 8453})
	defer good.Close()

	c := newTestClient(t, slow.URL, good.URL)
	start := time.Now()
	id, err := c.ChainID(context.Background())
	if err != nil || id != 8453 {
		t.Fatalf("chain id = %d, %v", id, err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("per-call timeout not applied: %v", time.Since(start))
	}
}

func TestClient_AllEndpointsFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer broken.Close()

	c := newTestClient(t, broken.URL, broken.URL+"/")
	if _, err := c.TaskCounter(context.Background()); !errors.Is(err, ErrAllEndpointsFailed) {
		t.Fatalf("expected ErrAllEndpointsFailed, got %v", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{Contract: testContract}); err == nil {
		t.Fatal("expected error without endpoints")
	}
	if _, err := NewClient(Config{Endpoints: []string{"http://x"}, Contract: "0x12"}); err == nil {
		t.Fatal("expected error for bad contract")
	}
	c, err := NewClient(Config{Endpoints: []string{" http://a ", "http://a", "", "http://b"}, Contract: testContract})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := c.Endpoints(); len(got) != 2 || got[0] != "http://a" {
		t.Fatalf("endpoints = %v", got)
	}
}
