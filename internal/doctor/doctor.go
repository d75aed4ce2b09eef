package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/config"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
	"github.com/basket/escrowmirror/internal/shared"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Go          string `json:"go_version"`
	Version     string `json:"version"`
	Fingerprint string `json:"config_fingerprint,omitempty"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Options carries what the checks inspect. Chain and Store are built from
// Config when nil and closed again before Run returns.
type Options struct {
	Config    *config.Config
	ConfigErr error
	Version   string
	Chain     chain.Reader
	Store     *persistence.Store
}

// env is the state shared by the checks of one Run.
type env struct {
	cfg       *config.Config
	configErr error
	chain     chain.Reader
	chainErr  error
	store     *persistence.Store
	storeErr  error

	chainOK bool
	rpcOK   bool
	codeOK  bool
}

// Run executes all diagnostic checks in order. Later checks are skipped
// when the ones they depend on failed.
func Run(ctx context.Context, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}
	e := &env{cfg: opts.Config, configErr: opts.ConfigErr, chain: opts.Chain, store: opts.Store}
	if e.cfg != nil && e.configErr == nil {
		d.System.Fingerprint = e.cfg.Fingerprint()
	}
	defer e.open(ctx)()

	checks := []func(context.Context, *env) CheckResult{
		checkConfig,
		checkPermissions,
		checkChainID,
		checkRPC,
		checkContract,
		checkDatabase,
		checkMirror,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, e))
	}
	return d
}

// open builds missing dependencies and returns their cleanup.
func (e *env) open(ctx context.Context) func() {
	var closers []func()
	if e.cfg == nil || e.configErr != nil {
		return func() {}
	}
	if e.chain == nil {
		endpoints := e.cfg.EndpointList()
		switch {
		case len(endpoints) == 0:
			e.chainErr = errors.New("no RPC_URL configured")
		case e.cfg.Chain.EscrowAddress == "":
			e.chainErr = errors.New("no TASK_ESCROW_ADDRESS configured")
		default:
			client, err := chain.NewClient(chain.Config{
				Endpoints:   endpoints,
				Contract:    e.cfg.Chain.EscrowAddress,
				CallTimeout: e.cfg.CallTimeout(),
			})
			if err != nil {
				e.chainErr = err
			} else {
				e.chain = client
				closers = append(closers, client.Close)
			}
		}
	}
	if e.store == nil {
		opts := persistence.Options{LegacyChainID: e.cfg.ChainIDString()}
		store, err := persistence.Open(e.cfg.DBPath, opts)
		if err != nil {
			e.storeErr = err
		} else {
			e.store = store
			closers = append(closers, func() { _ = store.Close() })
		}
	}
	return func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func checkConfig(_ context.Context, e *env) CheckResult {
	if e.configErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: e.configErr.Error()}
	}
	if e.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if e.cfg.FileMissing {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: fmt.Sprintf("%s missing; using environment only", config.ConfigPath(e.cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", e.cfg.HomeDir),
		Detail: envOverrides(os.Environ())}
}

// envOverrides lists the mirror variables set in environ, secrets masked.
func envOverrides(environ []string) string {
	var set []string
	for _, kv := range environ {
		key, value, _ := strings.Cut(kv, "=")
		if value == "" || !isMirrorVar(key) {
			continue
		}
		set = append(set, key+"="+shared.RedactEnvValue(key, shared.Redact(value)))
	}
	sort.Strings(set)
	return strings.Join(set, " ")
}

func isMirrorVar(key string) bool {
	for _, prefix := range []string{"ESCROWMIRROR_", "CHAIN_ID", "RPC_", "TASK_ESCROW_"} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func checkPermissions(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(e.cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkChainID(ctx context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Chain ID", Status: StatusSkip, Message: "Config missing"}
	}
	configured, err := e.cfg.RequireChainID()
	if err != nil {
		return CheckResult{Name: "Chain ID", Status: StatusFail, Message: err.Error()}
	}
	if e.chain == nil {
		return CheckResult{Name: "Chain ID", Status: StatusSkip,
			Message: fmt.Sprintf("Configured %d (%s); RPC unavailable", configured, config.ChainName(configured))}
	}
	if err := chain.ValidateChainID(ctx, e.chain, configured); err != nil {
		return CheckResult{Name: "Chain ID", Status: StatusFail, Message: err.Error()}
	}
	e.chainOK = true
	return CheckResult{Name: "Chain ID", Status: StatusPass,
		Message: fmt.Sprintf("%d (%s) matches RPC", configured, config.ChainName(configured))}
}

func checkRPC(ctx context.Context, e *env) CheckResult {
	if e.chain == nil {
		msg := "Config missing"
		if e.chainErr != nil {
			return CheckResult{Name: "RPC", Status: StatusFail, Message: e.chainErr.Error()}
		}
		return CheckResult{Name: "RPC", Status: StatusSkip, Message: msg}
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	start := time.Now()
	head, err := e.chain.BlockNumber(callCtx)
	latency := time.Since(start)
	detail := ""
	if e.cfg != nil {
		detail = fmt.Sprintf("endpoints=%d", len(e.cfg.EndpointList()))
	}
	if err != nil {
		return CheckResult{Name: "RPC", Status: StatusFail, Message: fmt.Sprintf("eth_blockNumber failed: %v", err), Detail: detail}
	}
	e.rpcOK = true
	status := StatusPass
	if latency > 3*time.Second {
		status = StatusWarn
	}
	return CheckResult{Name: "RPC", Status: status,
		Message: fmt.Sprintf("Head block %d (%dms)", head, latency.Milliseconds()), Detail: detail}
}

func checkContract(ctx context.Context, e *env) CheckResult {
	if !e.rpcOK {
		return CheckResult{Name: "Contract", Status: StatusSkip, Message: "RPC unavailable"}
	}
	ok, err := e.chain.HasCode(ctx)
	if err != nil {
		return CheckResult{Name: "Contract", Status: StatusFail, Message: fmt.Sprintf("eth_getCode failed: %v", err)}
	}
	if !ok {
		return CheckResult{Name: "Contract", Status: StatusFail, Message: "No code at escrow address",
			Detail: "check TASK_ESCROW_ADDRESS against the configured chain"}
	}
	counter, err := e.chain.TaskCounter(ctx)
	if err != nil {
		return CheckResult{Name: "Contract", Status: StatusFail, Message: fmt.Sprintf("taskCounter() failed: %v", err)}
	}
	e.codeOK = true
	return CheckResult{Name: "Contract", Status: StatusPass, Message: fmt.Sprintf("Escrow deployed; taskCounter=%d", counter)}
}

func checkDatabase(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		if e.storeErr != nil {
			return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", e.storeErr)}
		}
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if err := e.store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	version, err := e.store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := fmt.Sprintf("Schema v%d", version)
	if e.cfg != nil && e.cfg.ChainIDString() != "" {
		counts, err := e.store.Counts(ctx, e.cfg.ChainIDString())
		if err != nil {
			return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
		}
		msg = fmt.Sprintf("%s; %d tasks, %d contact keys, %d profiles", msg, counts.Tasks, counts.ContactKeys, counts.Profiles)
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: msg}
}

func checkMirror(ctx context.Context, e *env) CheckResult {
	if !e.chainOK || !e.codeOK || e.store == nil {
		return CheckResult{Name: "Mirror Integrity", Status: StatusSkip, Message: "Chain or database unavailable"}
	}
	coord, err := reconcile.New(reconcile.Config{
		ChainID: e.cfg.ChainIDString(),
		Store:   e.store,
		Chain:   e.chain,
	})
	if err != nil {
		return CheckResult{Name: "Mirror Integrity", Status: StatusFail, Message: err.Error()}
	}
	rep, err := coord.Inspect(ctx)
	if err != nil {
		return CheckResult{Name: "Mirror Integrity", Status: StatusFail, Message: fmt.Sprintf("Inspect failed: %v", err)}
	}
	if rep.OK() {
		return CheckResult{Name: "Mirror Integrity", Status: StatusPass,
			Message: fmt.Sprintf("%d on-chain tasks mirrored", rep.TaskCounter)}
	}
	kinds := rep.Kinds()
	parts := make([]string, 0, len(kinds))
	for k, n := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(parts)
	return CheckResult{Name: "Mirror Integrity", Status: StatusWarn,
		Message: fmt.Sprintf("%d findings; run `mirrorctl sync`", len(rep.Findings)),
		Detail:  strings.Join(parts, ", ")}
}
