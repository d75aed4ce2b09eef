package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/shared"
)

// DefaultCallTimeout bounds each RPC call on each endpoint.
const DefaultCallTimeout = 5 * time.Second

// ErrAllEndpointsFailed wraps the last endpoint error when no endpoint answered.
var ErrAllEndpointsFailed = errors.New("chain: all RPC endpoints failed")

// Config describes the RPC endpoints and contract to read.
type Config struct {
	// Endpoints are tried in order for every call.
	Endpoints   []string
	Contract    string
	CallTimeout time.Duration
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *otelPkg.Metrics
}

// Client implements Reader over go-ethereum's ethclient with endpoint
// failover.
type Client struct {
	endpoints []string
	contract  common.Address
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics

	mu    sync.Mutex
	conns map[string]*ethclient.Client
}

var _ Reader = (*Client)(nil)

// NewClient validates cfg. Connections are dialed lazily on first use.
func NewClient(cfg Config) (*Client, error) {
	var endpoints []string
	seen := map[string]bool{}
	for _, ep := range cfg.Endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, errors.New("chain: at least one RPC endpoint is required")
	}
	if !IsAddress(cfg.Contract) {
		return nil, fmt.Errorf("chain: invalid escrow contract address %q", cfg.Contract)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoints: endpoints,
		contract:  common.HexToAddress(cfg.Contract),
		timeout:   timeout,
		logger:    logger.With("component", "chain"),
		tracer:    otelPkg.NoopTracer(cfg.Tracer),
		metrics:   cfg.Metrics,
		conns:     make(map[string]*ethclient.Client),
	}, nil
}

// Contract returns the escrow address being read.
func (c *Client) Contract() common.Address {
	return c.contract
}

// Endpoints returns the endpoints in try order.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Close releases every dialed connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ep, conn := range c.conns {
		conn.Close()
		delete(c.conns, ep)
	}
}

func (c *Client) conn(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.conns[endpoint] = conn
	return conn, nil
}

// withFailover runs fn against each endpoint in order until one succeeds.
func withFailover[T any](ctx context.Context, c *Client, method string, fn func(context.Context, *ethclient.Client) (T, error)) (_ T, err error) {
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "rpc."+method, otelPkg.AttrRPCMethod.String(method))
	defer func() { otelPkg.Finish(span, err) }()

	var zero T
	var lastErr error
	for i, endpoint := range c.endpoints {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i > 0 {
			c.metrics.RecordFailover(ctx, method)
		}
		start := time.Now()
		out, err := func() (T, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			conn, err := c.conn(callCtx, endpoint)
			if err != nil {
				return zero, err
			}
			return fn(callCtx, conn)
		}()
		c.metrics.RecordRPC(ctx, method, time.Since(start), err)
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("rpc endpoint failed",
			"method", method, "endpoint", shared.Redact(endpoint), "error", shared.Redact(err.Error()))
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllEndpointsFailed, method, lastErr)
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	return withFailover(ctx, c, "eth_chainId", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		id, err := ec.ChainID(ctx)
		if err != nil {
			return 0, err
		}
		return id.Uint64(), nil
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return withFailover(ctx, c, "eth_blockNumber", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.BlockNumber(ctx)
	})
}

// HasCode reports whether contract bytecode is deployed at the escrow address.
func (c *Client) HasCode(ctx context.Context) (bool, error) {
	return withFailover(ctx, c, "eth_getCode", func(ctx context.Context, ec *ethclient.Client) (bool, error) {
		code, err := ec.CodeAt(ctx, c.contract, nil)
		if err != nil {
			return false, err
		}
		return len(code) > 0, nil
	})
}

func (c *Client) callView(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := EscrowABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return withFailover(ctx, c, method, func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	})
}

// TaskCounter returns the number of tasks ever created; ids run 1..counter.
func (c *Client) TaskCounter(ctx context.Context) (uint64, error) {
	out, err := c.callView(ctx, "taskCounter")
	if err != nil {
		return 0, err
	}
	return decodeTaskCounter(out)
}

func (c *Client) Task(ctx context.Context, taskID uint64) (OnChainTask, error) {
	out, err := c.callView(ctx, "tasks", new(big.Int).SetUint64(taskID))
	if err != nil {
		return OnChainTask{}, err
	}
	return decodeTask(out)
}

// FilterTaskEvents returns TaskCreated and TaskAccepted logs in [fromBlock, toBlock].
func (c *Client) FilterTaskEvents(ctx context.Context, fromBlock, toBlock uint64) ([]TaskEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{topicTaskCreated, topicTaskAccepted}},
	}
	logs, err := withFailover(ctx, c, "eth_getLogs", func(ctx context.Context, ec *ethclient.Client) ([]TaskEvent, error) {
		raw, err := ec.FilterLogs(ctx, query)
		if err != nil {
			return nil, err
		}
		out := make([]TaskEvent, 0, len(raw))
		for _, lg := range raw {
			if lg.Removed {
				continue
			}
			ev, err := DecodeTaskEvent(lg)
			if err != nil {
				c.logger.Warn("skipping undecodable log", "tx", lg.TxHash.Hex(), "error", err)
				continue
			}
			out = append(out, ev)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// ValidateChainID fails when the RPC serves a different chain than configured.
func ValidateChainID(ctx context.Context, r Reader, configured uint64) error {
	actual, err := r.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read rpc chain id: %w", err)
	}
	if actual != configured {
		return fmt.Errorf("chain id mismatch: configured %d, rpc reports %d", configured, actual)
	}
	return nil
}
