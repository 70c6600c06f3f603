// Package config defines configuration for the CLOB streaming client.
// Config is loaded from a YAML file at a caller-supplied path, with
// sensitive/overridable fields settable via POLY_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration, mapping directly to the YAML
// file structure.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Book    BookConfig    `mapstructure:"book"`
	Arb     ArbConfig     `mapstructure:"arb"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// APIConfig holds REST/WebSocket endpoints and transport tuning.
type APIConfig struct {
	CLOBRestURL    string `mapstructure:"clob_rest_url"`
	GammaAPIURL    string `mapstructure:"gamma_api_url"`
	WSURL          string `mapstructure:"ws_url"`
	HTTPTimeoutMs  int    `mapstructure:"http_timeout_ms"`
	PingIntervalMs int    `mapstructure:"ping_interval_ms"`
}

// BookConfig caps local orderbook depth.
type BookConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
}

// ArbConfig tunes the rising-edge arbitrage detector. Threshold and
// Hysteresis are strings, parsed via decimal.NewFromString, so that
// YAML's float parsing never introduces drift into a comparison against
// summed order-book prices.
type ArbConfig struct {
	Threshold  string `mapstructure:"arb_threshold"`
	Hysteresis string `mapstructure:"arb_hysteresis"`
}

// ThresholdDecimal parses Threshold. Called after Validate, which already
// confirmed it parses.
func (a ArbConfig) ThresholdDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(a.Threshold)
	return d
}

// HysteresisDecimal parses Hysteresis. Called after Validate, which already
// confirmed it parses.
func (a ArbConfig) HysteresisDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(a.Hysteresis)
	return d
}

// WalletConfig configures the order signer's EIP-712 domain.
type WalletConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	ChainID         int64  `mapstructure:"chain_id"`
	ExchangeAddress string `mapstructure:"exchange_address"`
	SignatureType   int    `mapstructure:"signature_type"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewLogger builds a slog.Logger writing to w per the configured level
// and format ("json" or text).
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(l.Level)}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the out-of-the-box configuration pointed at
// Polymarket's production endpoints.
func Default() Config {
	return Config{
		API: APIConfig{
			CLOBRestURL:    "https://clob.polymarket.com",
			GammaAPIURL:    "https://gamma-api.polymarket.com",
			WSURL:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			HTTPTimeoutMs:  10_000,
			PingIntervalMs: 10_000,
		},
		Book: BookConfig{MaxDepth: 100},
		Arb: ArbConfig{
			Threshold:  "1.00",
			Hysteresis: "0.002",
		},
		Wallet:  WalletConfig{ChainID: 137},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads config from a YAML file, overlaying env var overrides.
// Sensitive fields use POLY_PRIVATE_KEY / POLY_EXCHANGE_ADDRESS.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("POLY_EXCHANGE_ADDRESS"); addr != "" {
		cfg.Wallet.ExchangeAddress = addr
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.CLOBRestURL == "" {
		return fmt.Errorf("api.clob_rest_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if c.Book.MaxDepth <= 0 {
		return fmt.Errorf("book.max_depth must be > 0")
	}
	if _, err := decimal.NewFromString(c.Arb.Threshold); err != nil {
		return fmt.Errorf("arb.arb_threshold: %w", err)
	}
	if _, err := decimal.NewFromString(c.Arb.Hysteresis); err != nil {
		return fmt.Errorf("arb.arb_hysteresis: %w", err)
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	return nil
}
