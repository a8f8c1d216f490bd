// Package config loads the supervisor configuration: a strict YAML file with
// ${VAR} expansion, overlaid with the environment contract. Validate applies
// safe defaults wherever one exists; only the broker session coordinates are
// hard requirements.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

const macroDateLayout = "2006-01-02"

// Config is the full supervisor configuration.
type Config struct {
	Broker  Broker  `yaml:"broker"`
	Bus     Bus     `yaml:"bus"`
	Storage Storage `yaml:"storage"`
	API     API     `yaml:"api"`
	Logging Logging `yaml:"logging"`
	Manager Manager `yaml:"manager"`
	// MacroEventDates (YYYY-MM-DD) are merged into every 1DTE strategy's
	// entry-block calendar.
	MacroEventDates []string `yaml:"macro_event_dates"`
}

// Broker locates the gateway session.
type Broker struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	AccountID         string `yaml:"account_id"`
	StabilizationSecs int    `yaml:"stabilization_secs"`
}

// Bus configures the optional Redis topic mirror.
type Bus struct {
	URL string `yaml:"url"`
}

// Storage locates the on-disk stores.
type Storage struct {
	// DataDir holds the config/ and state/ JSON documents.
	DataDir string `yaml:"data_dir"`
	// TradeDB is the SQLite trading database path.
	TradeDB string `yaml:"trade_db"`
}

// API configures the REST/WebSocket surface.
type API struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Logging configures the process logger and the log shipper.
type Logging struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	SinkURL string `yaml:"sink_url"`
}

// Manager tunes the strategy manager.
type Manager struct {
	StartSettleSecs int `yaml:"start_settle_secs"`
}

// Load reads the YAML file at path, expands ${VAR} references, overlays the
// environment contract, and validates. An empty path falls back to
// CONFIG_PATH, then config.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays the environment contract. A set variable wins over the
// YAML value.
func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Broker.Port = port
		}
	}
	if v := os.Getenv("ACCOUNT_ID"); v != "" {
		c.Broker.AccountID = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("LOG_SINK_URL"); v != "" {
		c.Logging.SinkURL = v
	}
	if v := os.Getenv("DASHBOARD_USER"); v != "" {
		c.API.User = v
	}
	if v := os.Getenv("DASHBOARD_PASSWORD"); v != "" {
		c.API.Password = v
	}
	if v := os.Getenv("MACRO_EVENT_DATES"); v != "" {
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				c.MacroEventDates = append(c.MacroEventDates, d)
			}
		}
	}
}

// Validate checks the hard requirements and fills safe defaults everywhere
// else.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required (set BROKER_HOST)")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be 1-65535 (set BROKER_PORT)")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required (set ACCOUNT_ID)")
	}
	if c.Broker.StabilizationSecs < 0 {
		c.Broker.StabilizationSecs = 0
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.TradeDB == "" {
		c.Storage.TradeDB = "data/trading.db"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Logging.File == "" {
		c.Logging.File = "logs/supervisor.log"
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		c.Logging.Level = "info"
	}
	if c.Manager.StartSettleSecs <= 0 {
		c.Manager.StartSettleSecs = 10
	}
	if c.Manager.StartSettleSecs > 300 {
		c.Manager.StartSettleSecs = 300
	}

	dates, err := normalizeMacroDates(c.MacroEventDates)
	if err != nil {
		return err
	}
	c.MacroEventDates = dates
	return nil
}

func normalizeMacroDates(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, d := range raw {
		if _, err := time.Parse(macroDateLayout, d); err != nil {
			return nil, fmt.Errorf("macro event date %q is not YYYY-MM-DD", d)
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

// Level parses the configured log level. Validate guarantees it parses.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// StartSettle is the manager's post-connect settle delay.
func (c *Config) StartSettle() time.Duration {
	return time.Duration(c.Manager.StartSettleSecs) * time.Second
}

// Stabilization is the gateway reconnect stabilization window.
func (c *Config) Stabilization() time.Duration {
	return time.Duration(c.Broker.StabilizationSecs) * time.Second
}
