package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/escrowmirror/internal/audit"
	"github.com/basket/escrowmirror/internal/bus"
	"github.com/basket/escrowmirror/internal/chain"
	"github.com/basket/escrowmirror/internal/config"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/persistence"
	"github.com/basket/escrowmirror/internal/reconcile"
	"github.com/basket/escrowmirror/internal/report"
	"github.com/basket/escrowmirror/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs one command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return newCLI(stdout, stderr).run(ctx, args)
}

func (c *cli) run(ctx context.Context, args []string) int {
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var se *startupError
		if !errors.As(err, &se) {
			fmt.Fprintf(c.stderr, "error: %v\n", err)
		}
		return 1
	}
	return c.exitCode
}

type chainDialer func(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *otelPkg.Metrics) (chain.Reader, func(), error)

// cli holds global flags and the state shared by one invocation.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	home     string
	logLevel string
	jsonOut  bool
	noColor  bool

	cfg    config.Config
	cfgErr error

	// exitCode is returned when the command itself succeeded but found
	// problems, such as failed doctor checks or an unhealthy mirror.
	exitCode int

	// quietLogs is set once the logger writes to the log file only.
	quietLogs bool

	dialChain chainDialer
	fetcher   reconcile.MetadataFetcher
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, dialChain: dialRPC}
}

func dialRPC(cfg config.Config, logger *slog.Logger, tracer trace.Tracer, metrics *otelPkg.Metrics) (chain.Reader, func(), error) {
	client, err := chain.NewClient(chain.Config{
		Endpoints:   cfg.EndpointList(),
		Contract:    cfg.Chain.EscrowAddress,
		CallTimeout: cfg.CallTimeout(),
		Logger:      logger,
		Tracer:      tracer,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "mirrorctl",
		Short: "Operate the EverEcho escrow mirror",
		Long: `mirrorctl keeps the off-chain mirror of the TaskEscrow contract in step
with the chain. It serves the task/profile API in daemon mode and ships
one-shot commands to inspect and repair the mirror.

Configuration is read from $ESCROWMIRROR_HOME/config.yaml (default
~/.escrowmirror), a .env file in the working directory and the
environment. CHAIN_ID must always be set.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.loadConfig()
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&c.home, "home", "", "data directory (overrides ESCROWMIRROR_HOME)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&c.jsonOut, "json", false, "print machine readable JSON")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		c.daemonCommand(),
		c.doctorCommand(),
		c.statusCommand(),
		c.tasksCommand(),
		c.chainCommand(),
		c.profilesCommand(),
		c.keysCommand(),
		c.checkCommand(),
		c.syncCommand(),
		c.fixHelperKeysCommand(),
		c.cleanOrphansCommand(),
		c.resyncMetadataCommand(),
		c.backupCommand(),
		c.runsCommand(),
	)
	return root
}

func (c *cli) loadConfig() {
	if c.home == "" {
		c.cfg, c.cfgErr = config.Load()
	} else if err := config.LoadDotEnv(".env"); err != nil {
		c.cfgErr = err
	} else {
		c.cfg, c.cfgErr = config.LoadFrom(c.home)
	}
	if c.logLevel != "" {
		c.cfg.LogLevel = c.logLevel
	}
}

func (c *cli) printer() *report.Printer {
	if c.noColor {
		return report.NewWithColor(c.stdout, false)
	}
	return report.New(c.stdout)
}

// mirrorEnv is everything a mirror command needs, opened in the same order
// the daemon uses.
type mirrorEnv struct {
	cfg     config.Config
	chainID string
	logger  *slog.Logger
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	chain   chain.Reader
	coord   *reconcile.Coordinator

	closers []func()
}

func (e *mirrorEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

type openOptions struct {
	actor string
	// quiet keeps logs out of stderr; they still go to the log file.
	quiet bool
	// validateChain compares the RPC's chain id with the configured one.
	validateChain bool
}

func (c *cli) open(ctx context.Context, opts openOptions) (_ *mirrorEnv, err error) {
	env := &mirrorEnv{cfg: c.cfg}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()

	if c.cfgErr != nil {
		return nil, c.fatalStartup(ctx, nil, "E_CONFIG_LOAD", c.cfgErr)
	}
	chainID, err := c.cfg.RequireChainID()
	if err != nil {
		return nil, c.fatalStartup(ctx, nil, "E_CHAIN_ID", err)
	}
	env.chainID = c.cfg.ChainIDString()

	if err := audit.Init(c.cfg.HomeDir); err != nil {
		return nil, c.fatalStartup(ctx, nil, "E_AUDIT_INIT", err)
	}
	env.closers = append(env.closers, func() { _ = audit.Close() })

	logger, logCloser, err := telemetry.NewLogger(c.cfg.HomeDir, c.cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, c.fatalStartup(ctx, nil, "E_LOGGER_INIT", err)
	}
	env.closers = append(env.closers, func() { _ = logCloser.Close() })
	c.quietLogs = opts.quiet
	slog.SetDefault(logger)
	env.logger = logger.With("chain_id", env.chainID)

	env.bus = bus.New()

	provider, err := otelPkg.Init(ctx, c.cfg.OTel, otelPkg.AttrChainID.String(env.chainID))
	if err != nil {
		return nil, c.fatalStartup(ctx, env.logger, "E_OTEL_INIT", err)
	}
	env.otel = provider
	env.closers = append(env.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	})
	env.metrics, err = otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, c.fatalStartup(ctx, env.logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(c.cfg.DBPath, persistence.Options{LegacyChainID: env.chainID})
	if err != nil {
		return nil, c.fatalStartup(ctx, env.logger, "E_STORE_OPEN", err)
	}
	env.store = store
	audit.SetDB(store.DB())
	env.closers = append(env.closers, func() {
		audit.SetDB(nil)
		_ = store.Close()
	})

	reader, closeChain, err := c.dialChain(c.cfg, env.logger, provider.Tracer, env.metrics)
	if err != nil {
		return nil, c.fatalStartup(ctx, env.logger, "E_CHAIN_CLIENT", err)
	}
	env.chain = reader
	if closeChain != nil {
		env.closers = append(env.closers, closeChain)
	}
	if opts.validateChain {
		if err := chain.ValidateChainID(ctx, reader, chainID); err != nil {
			return nil, c.fatalStartup(ctx, env.logger, "E_CHAIN_ID", err)
		}
	}

	fetcher := c.fetcher
	if fetcher == nil {
		fetcher = reconcile.NewHTTPFetcher(time.Duration(c.cfg.Sync.MetadataTimeoutSeconds) * time.Second)
	}
	env.coord, err = reconcile.New(reconcile.Config{
		ChainID:       env.chainID,
		Store:         store,
		Chain:         reader,
		Bus:           env.bus,
		Logger:        env.logger,
		Tracer:        provider.Tracer,
		Metrics:       env.metrics,
		Fetcher:       fetcher,
		PublicBaseURL: c.cfg.Gateway.PublicURL,
		Actor:         opts.actor,
		Concurrency:   c.cfg.Sync.Concurrency,
	})
	if err != nil {
		return nil, c.fatalStartup(ctx, env.logger, "E_RECONCILE_INIT", err)
	}
	return env, nil
}

// startupError marks a failure that fatalStartup already reported.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

// fatalStartup reports a startup failure with an explicit reason code and
// returns the error that makes the command exit 1.
func (c *cli) fatalStartup(ctx context.Context, logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(ctx, "runtime", "runtime.startup_failed", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	}
	if logger != nil && !c.quietLogs {
		return &startupError{code: reasonCode, err: err}
	}
	fmt.Fprintf(
		c.stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	return &startupError{code: reasonCode, err: err}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
