package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	SignalConfig   SignalConfig   `json:"signal"`
	TradingConfig  TradingConfig  `json:"trading"`
	GatewayConfig  GatewayConfig  `json:"gateway"`
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
}

// SignalConfig tunes the scan pipeline and timeframe caches.
type SignalConfig struct {
	ScanIntervalSec  int     `json:"scan_interval_sec"`
	SweepIntervalMin int     `json:"sweep_interval_min"`
	CacheMaxAgeMin   int     `json:"cache_max_age_min"`
	WorkerCount      int     `json:"worker_count"`
	MinVolume        float64 `json:"min_volume"`
	MaxSymbols       int     `json:"max_symbols"`
}

// TradingConfig tunes the position manager.
type TradingConfig struct {
	Enabled          bool    `json:"enabled"`
	MaxOpenPositions int     `json:"max_open_positions"`
	PositionNotional float64 `json:"position_notional"`
	MinNotional      float64 `json:"min_notional"`
	Leverage         int     `json:"leverage"`
	InitialStopPct   float64 `json:"initial_stop_pct"`
	TrailPct         float64 `json:"trail_pct"`
	CooldownMin      int     `json:"cooldown_min"`
}

type GatewayConfig struct {
	MaxConcurrent  int `json:"max_concurrent"`
	QueueSize      int `json:"queue_size"`
	QueueWarnDepth int `json:"queue_warn_depth"`
	CacheTTLSec    int `json:"cache_ttl_sec"`
	TimeoutSec     int `json:"timeout_sec"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Debug   bool   `json:"debug"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Default returns the baseline configuration before file and env
// overrides are applied.
func Default() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{TestNet: true},
		SignalConfig: SignalConfig{
			ScanIntervalSec:  60,
			SweepIntervalMin: 20,
			CacheMaxAgeMin:   25,
			WorkerCount:      4,
			MinVolume:        10_000_000,
			MaxSymbols:       120,
		},
		TradingConfig: TradingConfig{
			Enabled:          true,
			MaxOpenPositions: 3,
			PositionNotional: 100,
			MinNotional:      20,
			Leverage:         3,
			InitialStopPct:   0.02,
			TrailPct:         0.015,
			CooldownMin:      60,
		},
		GatewayConfig: GatewayConfig{
			MaxConcurrent:  3,
			QueueSize:      512,
			QueueWarnDepth: 50,
			CacheTTLSec:    5,
			TimeoutSec:     15,
		},
		ServerConfig: ServerConfig{Enabled: true, Host: "0.0.0.0", Port: 8080},
		DatabaseConfig: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "postgres",
			Database: "momentum_bot", SSLMode: "disable",
		},
		RedisConfig:   RedisConfig{Addr: "localhost:6379"},
		VaultConfig:   VaultConfig{SecretPath: "secret/data/momentum-bot/binance"},
		LoggingConfig: LoggingConfig{Level: "info", JSONFormat: true},
	}
}

// Load builds the effective config: defaults, then the optional JSON
// file at path, then environment variables. A .env file is read first
// so env overrides work the same locally and in containers.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", c.BinanceConfig.APIKey)
	c.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", c.BinanceConfig.SecretKey)
	c.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", c.BinanceConfig.TestNet)

	c.TradingConfig.Enabled = getEnvBoolOrDefault("TRADING_ENABLED", c.TradingConfig.Enabled)
	c.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("TRADING_MAX_POSITIONS", c.TradingConfig.MaxOpenPositions)
	c.TradingConfig.PositionNotional = getEnvFloatOrDefault("TRADING_POSITION_NOTIONAL", c.TradingConfig.PositionNotional)
	c.TradingConfig.Leverage = getEnvIntOrDefault("TRADING_LEVERAGE", c.TradingConfig.Leverage)

	c.SignalConfig.MinVolume = getEnvFloatOrDefault("SIGNAL_MIN_VOLUME", c.SignalConfig.MinVolume)
	c.SignalConfig.MaxSymbols = getEnvIntOrDefault("SIGNAL_MAX_SYMBOLS", c.SignalConfig.MaxSymbols)

	c.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", c.ServerConfig.Enabled)
	c.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", c.ServerConfig.Host)
	c.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", c.ServerConfig.Port)

	c.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", c.DatabaseConfig.Enabled)
	c.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", c.DatabaseConfig.Host)
	c.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", c.DatabaseConfig.Port)
	c.DatabaseConfig.User = getEnvOrDefault("DB_USER", c.DatabaseConfig.User)
	c.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", c.DatabaseConfig.Password)
	c.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", c.DatabaseConfig.Database)

	c.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", c.RedisConfig.Enabled)
	c.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", c.RedisConfig.Addr)
	c.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", c.RedisConfig.Password)

	c.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", c.VaultConfig.Enabled)
	c.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", c.VaultConfig.Address)
	c.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", c.VaultConfig.Token)
	c.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", c.VaultConfig.SecretPath)

	c.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", c.LoggingConfig.Level)
	c.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", c.LoggingConfig.JSONFormat)
}

func (c *Config) validate() error {
	if c.TradingConfig.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", c.TradingConfig.MaxOpenPositions)
	}
	if c.TradingConfig.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive, got %d", c.TradingConfig.Leverage)
	}
	if c.TradingConfig.InitialStopPct <= 0 || c.TradingConfig.InitialStopPct >= 1 {
		return fmt.Errorf("initial_stop_pct must be in (0, 1), got %f", c.TradingConfig.InitialStopPct)
	}
	if c.TradingConfig.TrailPct <= 0 || c.TradingConfig.TrailPct >= 1 {
		return fmt.Errorf("trail_pct must be in (0, 1), got %f", c.TradingConfig.TrailPct)
	}
	if c.GatewayConfig.MaxConcurrent <= 0 {
		return fmt.Errorf("gateway max_concurrent must be positive, got %d", c.GatewayConfig.MaxConcurrent)
	}
	return nil
}

// Cooldown returns the trading cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.TradingConfig.CooldownMin) * time.Minute
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}
