package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "flotilla.yaml"

// Duration wraps time.Duration so YAML values can be written as "30s", "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Bot is one configured identity. Name is optional; a stable generated
// name is assigned at startup when absent.
type Bot struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name,omitempty"`
}

// Timings holds every tunable interval. Zero values are replaced with the
// canonical defaults by ApplyDefaults.
type Timings struct {
	BackoffBase       Duration `yaml:"backoff_base,omitempty"`
	BackoffCap        Duration `yaml:"backoff_cap,omitempty"`
	ReconnectWindow   Duration `yaml:"reconnect_window,omitempty"`
	ReconcileDelay    Duration `yaml:"reconcile_delay,omitempty"`
	SweepInterval     Duration `yaml:"sweep_interval,omitempty"`
	TrackingRetention Duration `yaml:"tracking_retention,omitempty"`
	StaleAfter        Duration `yaml:"stale_after,omitempty"`
}

type Config struct {
	GatewayURL   string  `yaml:"gateway_url"`
	DirectoryURL string  `yaml:"directory_url,omitempty"` // defaults to gateway_url
	StatusAddr   string  `yaml:"status_addr,omitempty"`   // empty disables the status server
	StatusSocket string  `yaml:"status_socket,omitempty"` // optional unix socket serving the same endpoints
	HistoryDB    string  `yaml:"history_db,omitempty"`    // empty disables the history store
	Bots         []Bot   `yaml:"bots"`
	Timings      Timings `yaml:"timings,omitempty"`
}

// ResolvePath returns the config file path, honoring FLOTILLA_CONFIG.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("FLOTILLA_CONFIG")); v != "" {
		return v
	}
	return filepath.Join(".", defaultConfigFile)
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its canonical default.
func (c *Config) ApplyDefaults() {
	if c.DirectoryURL == "" {
		c.DirectoryURL = c.GatewayURL
	}
	t := &c.Timings
	if t.BackoffBase == 0 {
		t.BackoffBase = Duration(time.Second)
	}
	if t.BackoffCap == 0 {
		t.BackoffCap = Duration(30 * time.Second)
	}
	if t.ReconnectWindow == 0 {
		t.ReconnectWindow = Duration(5 * time.Minute)
	}
	if t.ReconcileDelay == 0 {
		t.ReconcileDelay = Duration(3 * time.Second)
	}
	if t.SweepInterval == 0 {
		t.SweepInterval = Duration(30 * time.Second)
	}
	if t.TrackingRetention == 0 {
		t.TrackingRetention = Duration(5 * time.Minute)
	}
	if t.StaleAfter == 0 {
		t.StaleAfter = Duration(5 * time.Minute)
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.GatewayURL) == "" {
		return fmt.Errorf("gateway_url required")
	}
	if len(c.Bots) == 0 {
		return fmt.Errorf("at least one bot required")
	}
	seen := make(map[string]struct{}, len(c.Bots))
	for i, b := range c.Bots {
		addr := strings.TrimSpace(b.Address)
		if addr == "" {
			return fmt.Errorf("bot %d: address required", i)
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("bot %d: duplicate address %s", i, addr)
		}
		seen[addr] = struct{}{}
	}
	return nil
}

const starter = `# flotilla configuration
gateway_url: "http://127.0.0.1:7338"
# directory_url: ""        # defaults to gateway_url
# status_addr: "127.0.0.1:7339"
# status_socket: "/tmp/flotilla.sock"
history_db: "flotilla.db"
bots:
  - address: "+100"
    name: ""               # generated when empty
# timings:
#   backoff_base: 1s
#   backoff_cap: 30s
#   reconnect_window: 5m
#   reconcile_delay: 3s
#   sweep_interval: 30s
#   tracking_retention: 5m
#   stale_after: 5m
`

// WriteStarter writes a commented starter config. It refuses to overwrite
// an existing file.
func WriteStarter(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config path required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.WriteFile(path, []byte(starter), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
