// Package config holds the immutable quoter configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketcraft/quoterd/errs"
)

// Network selects the venue environment.
type Network string

const (
	// NetworkTest targets the venue testnet.
	NetworkTest Network = "test"
	// NetworkProd targets the production venue.
	NetworkProd Network = "prod"
)

// WebsocketURL returns the venue websocket endpoint for the network.
func (n Network) WebsocketURL() string {
	if n == NetworkProd {
		return "wss://thalex.com/ws/api/v2"
	}
	return "wss://testnet.thalex.com/ws/api/v2"
}

// RestBaseURL returns the venue REST endpoint for the network.
func (n Network) RestBaseURL() string {
	if n == NetworkProd {
		return "https://thalex.com/api/v2"
	}
	return "https://testnet.thalex.com/api/v2"
}

// Credentials carry the venue API key pair used for websocket login and REST auth.
type Credentials struct {
	KeyID          string `yaml:"keyId"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
}

// Config is the complete, immutable quoter configuration. It is constructed
// once at startup and passed by reference into every component.
type Config struct {
	Network     Network     `yaml:"network"`
	Instrument  string      `yaml:"instrument"`
	OrderLabel  string      `yaml:"orderLabel"`
	Credentials Credentials `yaml:"credentials"`

	PriceTick float64 `yaml:"priceTick"`
	SizeTick  float64 `yaml:"sizeTick"`

	MinSpreadBps         float64 `yaml:"minSpreadBps"`
	MaxSpreadBps         float64 `yaml:"maxSpreadBps"`
	VolatilityMultiplier float64 `yaml:"volatilityMultiplier"`

	BidFillCooldown          time.Duration `yaml:"bidFillCooldown"`
	AskFillCooldown          time.Duration `yaml:"askFillCooldown"`
	BidFillRecovery          time.Duration `yaml:"bidFillRecovery"`
	AskFillRecovery          time.Duration `yaml:"askFillRecovery"`
	RecoverySpreadMultiplier float64       `yaml:"recoverySpreadMultiplier"`

	AmendThreshold float64 `yaml:"amendThreshold"`
	BaseSize       float64 `yaml:"baseSize"`
	MaxPosition    float64 `yaml:"maxPosition"`
	FeeRateBps     float64 `yaml:"feeRateBps"`

	BidQuoteID uint64 `yaml:"bidQuoteId"`
	AskQuoteID uint64 `yaml:"askQuoteId"`

	VolatilityInterval     time.Duration `yaml:"volatilityInterval"`
	LogInterval            time.Duration `yaml:"logInterval"`
	TickerPollInterval     time.Duration `yaml:"tickerPollInterval"`
	AccountSummaryInterval time.Duration `yaml:"accountSummaryInterval"`

	CancelOnDisconnect time.Duration `yaml:"cancelOnDisconnect"`
	ConnectAttempts    int           `yaml:"connectAttempts"`
	QueueSize          int           `yaml:"queueSize"`
	OrderThrottle      float64       `yaml:"orderThrottle"`

	CSVDir string `yaml:"csvDir"`
}

// Default returns the configuration used when no file overrides are present.
func Default() Config {
	return Config{
		Network:    NetworkTest,
		Instrument: "BTC-PERPETUAL",
		OrderLabel: "simple_quoter",

		PriceTick: 1.0,
		SizeTick:  0.001,

		MinSpreadBps:         0.5,
		MaxSpreadBps:         2.5,
		VolatilityMultiplier: 0.5,

		BidFillCooldown:          5 * time.Second,
		AskFillCooldown:          5 * time.Second,
		BidFillRecovery:          30 * time.Second,
		AskFillRecovery:          30 * time.Second,
		RecoverySpreadMultiplier: 3.0,

		AmendThreshold: 5.0,
		BaseSize:       0.01,
		MaxPosition:    0.3,
		FeeRateBps:     2.5,

		BidQuoteID: 1001,
		AskQuoteID: 1002,

		VolatilityInterval:     5 * time.Minute,
		LogInterval:            5 * time.Second,
		TickerPollInterval:     time.Second,
		AccountSummaryInterval: 5 * time.Second,

		CancelOnDisconnect: 6 * time.Second,
		ConnectAttempts:    3,
		QueueSize:          256,
		OrderThrottle:      10,

		CSVDir: ".",
	}
}

// Load reads the configuration file at path, applying defaults for absent keys.
// A missing file yields the defaults with loadedFromFile=false.
func Load(path string) (Config, bool, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

// Validate checks invariants the rest of the system depends on.
func (c Config) Validate() error {
	switch c.Network {
	case NetworkTest, NetworkProd:
	default:
		return errs.New("config", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown network %q", c.Network)))
	}
	if c.Instrument == "" {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("instrument must be set"))
	}
	if c.PriceTick <= 0 || c.SizeTick <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("price and size ticks must be positive"))
	}
	if c.MinSpreadBps <= 0 || c.MaxSpreadBps < c.MinSpreadBps {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("spread bounds must satisfy 0 < min <= max"))
	}
	if c.MaxPosition <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("maxPosition must be positive"))
	}
	if c.BaseSize <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("baseSize must be positive"))
	}
	if c.RecoverySpreadMultiplier < 1 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("recoverySpreadMultiplier must be >= 1"))
	}
	if c.BidQuoteID == 0 || c.AskQuoteID == 0 || c.BidQuoteID == c.AskQuoteID {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("bid and ask quote ids must be distinct and non-zero"))
	}
	if c.ConnectAttempts <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("connectAttempts must be positive"))
	}
	if c.QueueSize <= 0 {
		return errs.New("config", errs.CodeInvalid, errs.WithMessage("queueSize must be positive"))
	}
	return nil
}

// QuoteID returns the fixed client order id bound to the given side name.
func (c Config) QuoteID(bid bool) uint64 {
	if bid {
		return c.BidQuoteID
	}
	return c.AskQuoteID
}
