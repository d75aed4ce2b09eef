package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/escrowmirror/internal/doctor"
	otelPkg "github.com/basket/escrowmirror/internal/otel"
)

func (c *cli) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Long: `doctor checks the configuration, data directory, RPC endpoints, escrow
contract, database and mirror health. It exits 1 when a check fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runDoctor(cmd.Context())
		},
	}
}

func (c *cli) runDoctor(ctx context.Context) error {
	if c.cfgErr != nil {
		fmt.Fprintf(c.stderr, "Error loading config: %v\n", c.cfgErr)
		// Continue so the config check can report it.
	}
	opts := doctor.Options{Config: &c.cfg, ConfigErr: c.cfgErr, Version: Version}
	if c.cfgErr == nil && c.dialChain != nil {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		if reader, closeChain, err := c.dialChain(c.cfg, quiet, otelPkg.NoopTracer(nil), nil); err == nil {
			opts.Chain = reader
			if closeChain != nil {
				defer closeChain()
			}
		}
	}

	diag := doctor.Run(ctx, opts)
	if diag.Failed() {
		c.exitCode = 1
	}
	if c.jsonOut {
		return c.printer().JSON(diag)
	}
	failed := c.printer().Diagnosis(diag)
	fmt.Fprintln(c.stdout, "---")
	if failed > 0 {
		fmt.Fprintf(c.stdout, "%d check(s) failed.\n", failed)
	} else {
		fmt.Fprintln(c.stdout, "All checks passed.")
	}
	return nil
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStatus(cmd.Context())
		},
	}
}

func (c *cli) runStatus(ctx context.Context) error {
	if c.cfgErr != nil {
		return fmt.Errorf("config load: %w", c.cfgErr)
	}
	healthURL := healthzURL(c.cfg.Gateway.BindAddr)

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = c.stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = c.stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		c.exitCode = 1
	}
	return nil
}

func healthzURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:3001"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reachable on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
