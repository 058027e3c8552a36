package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the tranchelendd node configuration, loaded from a TOML file.
type Config struct {
	RPCAddress        string   `toml:"RPCAddress"`
	DataDir           string   `toml:"DataDir"`
	Backend           string   `toml:"Backend"`
	ChainID           uint64   `toml:"ChainID"`
	FeeRecipient      string   `toml:"FeeRecipient"`
	LiquidatorAddress string   `toml:"LiquidatorAddress"`
	LiquidationFeeBps uint64   `toml:"LiquidationFeeBps"`
	HookBudgetMillis  uint64   `toml:"HookBudgetMillis"`
	PausedModules     []string `toml:"PausedModules"`

	Indexer   IndexerConfig   `toml:"Indexer"`
	Logging   LoggingConfig   `toml:"Logging"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
}

// IndexerConfig selects the event indexer backend.
type IndexerConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// LoggingConfig controls the structured log output.
type LoggingConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig controls the OTLP exporters. An empty endpoint disables
// export entirely.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./tranchelend-data"
	}
	if strings.TrimSpace(cfg.Backend) == "" {
		cfg.Backend = "leveldb"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 187
	}
	if cfg.HookBudgetMillis == 0 {
		cfg.HookBudgetMillis = 100
	}
	if cfg.PausedModules == nil {
		cfg.PausedModules = []string{}
	}
	if strings.TrimSpace(cfg.Indexer.Driver) == "" {
		cfg.Indexer.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Indexer.DSN) == "" && cfg.Indexer.Driver == "sqlite" {
		cfg.Indexer.DSN = filepath.Join(cfg.DataDir, "events.db")
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
}

// Validate rejects configurations the node cannot safely start with.
func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("config: unsupported storage backend %q", cfg.Backend)
	}
	switch cfg.Indexer.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("config: unsupported indexer driver %q", cfg.Indexer.Driver)
	}
	if cfg.LiquidationFeeBps > 10_000 {
		return fmt.Errorf("config: liquidation fee %d exceeds 10000 bps", cfg.LiquidationFeeBps)
	}
	if cfg.FeeRecipient != "" {
		if _, err := ParseAddress(cfg.FeeRecipient); err != nil {
			return fmt.Errorf("config: fee recipient: %w", err)
		}
	}
	if cfg.LiquidatorAddress != "" {
		if _, err := ParseAddress(cfg.LiquidatorAddress); err != nil {
			return fmt.Errorf("config: liquidator address: %w", err)
		}
	}
	return nil
}

// ParseAddress decodes a 20-byte hex address, with or without an 0x prefix.
func ParseAddress(s string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid hex address %q: %w", s, err)
	}
	if len(raw) != 20 {
		return out, fmt.Errorf("address %q must be 20 bytes, got %d", s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// createDefault writes a default configuration file and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
