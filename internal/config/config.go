package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/escrowmirror/internal/otel"
)

// ErrChainIDRequired is returned by RequireChainID when neither config.yaml
// nor the environment names a chain.
var ErrChainIDRequired = errors.New("config: CHAIN_ID is not set; set chain.id in config.yaml or the CHAIN_ID environment variable")

// ChainConfig names the network and escrow contract being mirrored.
type ChainConfig struct {
	ID              uint64   `yaml:"id" env:"CHAIN_ID"`
	RPCURL          string   `yaml:"rpc_url" env:"RPC_URL"`
	RPCFallbackURLs []string `yaml:"rpc_fallback_urls" env:"RPC_FALLBACK_URLS" envSeparator:","`
	EscrowAddress   string   `yaml:"escrow_address" env:"TASK_ESCROW_ADDRESS"`

	// CallTimeoutSeconds bounds a single RPC call on one endpoint.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" env:"ESCROWMIRROR_RPC_TIMEOUT_SECONDS"`
}

// SyncConfig drives the daemon's reconciliation loops.
type SyncConfig struct {
	// Schedule is a robfig cron expression. IntervalSeconds wins when set.
	Schedule        string `yaml:"schedule" env:"ESCROWMIRROR_SYNC_SCHEDULE"`
	IntervalSeconds int    `yaml:"interval_seconds" env:"ESCROWMIRROR_SYNC_INTERVAL_SECONDS"`
	Concurrency     int    `yaml:"concurrency" env:"ESCROWMIRROR_SYNC_CONCURRENCY"`

	ListenerEnabled     bool   `yaml:"listener_enabled" env:"ESCROWMIRROR_LISTENER_ENABLED"`
	ListenerPollSeconds int    `yaml:"listener_poll_seconds" env:"ESCROWMIRROR_LISTENER_POLL_SECONDS"`
	ListenerBlockWindow uint64 `yaml:"listener_block_window" env:"ESCROWMIRROR_LISTENER_BLOCK_WINDOW"`
	// ListenerStartBlock is used when no checkpoint has been stored yet.
	ListenerStartBlock uint64 `yaml:"listener_start_block" env:"ESCROWMIRROR_LISTENER_START_BLOCK"`

	MetadataTimeoutSeconds int `yaml:"metadata_timeout_seconds"`
}

// GatewayConfig configures the HTTP API served to the web app.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr" env:"ESCROWMIRROR_BIND_ADDR"`
	AuthToken string `yaml:"auth_token" env:"ESCROWMIRROR_AUTH_TOKEN"`
	// PublicURL is the base used to build taskURI and profileURI values.
	PublicURL string `yaml:"public_url" env:"BACKEND_PUBLIC_URL"`

	// AllowOrigins lists browser origins accepted by CORS and the websocket
	// handshake. Empty allows any origin for CORS while websocket handshakes
	// stay same-origin.
	AllowOrigins []string `yaml:"allow_origins" env:"ESCROWMIRROR_ALLOW_ORIGINS" envSeparator:","`

	// RequestsPerMinute limits POST routes per client IP. 0 disables.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path" env:"ESCROWMIRROR_DB"`
	LogLevel string `yaml:"log_level" env:"ESCROWMIRROR_LOG_LEVEL"`

	Chain   ChainConfig    `yaml:"chain"`
	Sync    SyncConfig     `yaml:"sync"`
	Gateway GatewayConfig  `yaml:"gateway"`
	OTel    otelPkg.Config `yaml:"otel"`

	// Retention (days). 0 keeps rows forever.
	RetentionSyncRunsDays int `yaml:"retention_sync_runs_days"`
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// FileMissing is set when config.yaml did not exist at load time.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir returns $ESCROWMIRROR_HOME or ~/.escrowmirror.
func HomeDir() string {
	if override := os.Getenv("ESCROWMIRROR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".escrowmirror")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Chain: ChainConfig{
			CallTimeoutSeconds: 5,
		},
		Sync: SyncConfig{
			Schedule:               "@every 1m",
			Concurrency:            4,
			ListenerEnabled:        true,
			ListenerPollSeconds:    12,
			ListenerBlockWindow:    2000,
			MetadataTimeoutSeconds: 10,
		},
		Gateway: GatewayConfig{
			BindAddr:          "127.0.0.1:3001",
			PublicURL:         "https://api.everecho.io",
			RequestsPerMinute: 60,
		},
		OTel: otelPkg.Config{
			Exporter:    "none",
			ServiceName: "escrowmirror",
			SampleRate:  1,
		},
		RetentionSyncRunsDays: 30,
		RetentionAuditLogDays: 365,
		DrainTimeoutSeconds:   5,
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads .env from the working directory, then config.yaml from the
// home directory, then overlays environment variables.
func Load() (Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return LoadFrom(HomeDir())
}

// LoadFrom is Load without the .env step, rooted at homeDir.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create escrowmirror home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.FileMissing = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "escrowmirror.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	cfg.Chain.EscrowAddress = strings.TrimSpace(cfg.Chain.EscrowAddress)
	if cfg.Chain.CallTimeoutSeconds <= 0 {
		cfg.Chain.CallTimeoutSeconds = 5
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 4
	}
	if strings.TrimSpace(cfg.Sync.Schedule) == "" {
		cfg.Sync.Schedule = "@every 1m"
	}
	if cfg.Sync.ListenerPollSeconds <= 0 {
		cfg.Sync.ListenerPollSeconds = 12
	}
	if cfg.Sync.ListenerBlockWindow == 0 {
		cfg.Sync.ListenerBlockWindow = 2000
	}
	if cfg.Sync.MetadataTimeoutSeconds <= 0 {
		cfg.Sync.MetadataTimeoutSeconds = 10
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:3001"
	}
	cfg.Gateway.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Gateway.PublicURL), "/")
	if cfg.Gateway.PublicURL == "" {
		cfg.Gateway.PublicURL = "https://api.everecho.io"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
}

// validate rejects values that are present but malformed. Absent chain
// settings are reported by the commands that need them.
func validate(cfg Config) error {
	if a := cfg.Chain.EscrowAddress; a != "" && !common.IsHexAddress(a) {
		return fmt.Errorf("chain.escrow_address %q is not a hex address", a)
	}
	for _, u := range cfg.EndpointList() {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") &&
			!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("rpc url %q must be http(s) or ws(s)", u)
		}
	}
	if cfg.Sync.IntervalSeconds < 0 {
		return fmt.Errorf("sync.interval_seconds must not be negative")
	}
	return nil
}

// RequireChainID returns the configured chain id. There is no default
// network: running against the wrong chain would corrupt the mirror.
func (c Config) RequireChainID() (uint64, error) {
	if c.Chain.ID == 0 {
		return 0, ErrChainIDRequired
	}
	return c.Chain.ID, nil
}

// ChainIDString is the chain id as stored in mirror rows, or "" when unset.
func (c Config) ChainIDString() string {
	if c.Chain.ID == 0 {
		return ""
	}
	return strconv.FormatUint(c.Chain.ID, 10)
}

// EndpointList returns the primary RPC URL followed by the fallbacks, with
// blanks and duplicates removed.
func (c Config) EndpointList() []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range append([]string{c.Chain.RPCURL}, c.Chain.RPCFallbackURLs...) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// CallTimeout is Chain.CallTimeoutSeconds as a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Chain.CallTimeoutSeconds) * time.Second
}

// DrainTimeout bounds graceful shutdown of the daemon.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

var chainNames = map[uint64]string{
	1:        "Ethereum Mainnet",
	8453:     "Base",
	84532:    "Base Sepolia",
	11155111: "Sepolia",
}

// ChainName maps well-known chain ids to display names.
func ChainName(id uint64) string {
	if name, ok := chainNames[id]; ok {
		return name
	}
	return fmt.Sprintf("chain %d", id)
}

// Fingerprint returns a stable hash of the settings that change what the
// mirror reads and writes. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "chain=%d|rpc=%v|escrow=%s|db=%s|bind=%s|public=%s|schedule=%s|interval=%d|log=%s",
		c.Chain.ID, c.EndpointList(), strings.ToLower(c.Chain.EscrowAddress), c.DBPath,
		c.Gateway.BindAddr, c.Gateway.PublicURL, c.Sync.Schedule, c.Sync.IntervalSeconds, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
