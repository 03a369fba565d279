// Package config loads process configuration from the environment and the
// seed catalog from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// environment mirrors the raw variables. Money stays textual here and is
// parsed into decimals by build.
type environment struct {
	HTTPAddr  string `env:"HTTP_ADDR,default=:8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	DefaultStake    string `env:"DEFAULT_STAKE,default=5.00"`
	FeeRate         string `env:"FEE_RATE,default=0.10"`
	MinPrice        string `env:"MIN_PRICE,default=0.01"`
	MaxPrice        string `env:"MAX_PRICE,default=0.10"`
	TreasuryLogSize int    `env:"TREASURY_LOG_SIZE,default=1000"`

	AgentBudget        string        `env:"AGENT_BUDGET,default=0.10"`
	AgentMaxIterations int           `env:"AGENT_MAX_ITERATIONS,default=8"`
	AgentMinDelay      time.Duration `env:"AGENT_MIN_DELAY,default=800ms"`
	AgentWallet        string        `env:"AGENT_WALLET,default=agent"`
	AgentWalletBalance string        `env:"AGENT_WALLET_BALANCE,default=10.00"`

	OracleURL         string        `env:"ORACLE_URL"`
	OracleAPIKey      string        `env:"ORACLE_API_KEY"`
	OracleModel       string        `env:"ORACLE_MODEL,default=gpt-4o-mini"`
	OracleTemperature float64       `env:"ORACLE_TEMPERATURE,default=0.2"`
	OracleTimeout     time.Duration `env:"ORACLE_TIMEOUT,default=30s"`
	OracleRetries     int           `env:"ORACLE_RETRIES,default=2"`

	PaymentSecret         string        `env:"PAYMENT_SECRET"`
	PaymentNetwork        string        `env:"PAYMENT_NETWORK,default=eip155:84532"`
	PaymentFacilitatorURL string        `env:"PAYMENT_FACILITATOR_URL"`
	PaymentFacilitatorKey string        `env:"PAYMENT_FACILITATOR_KEY"`
	PaymentTimeout        time.Duration `env:"PAYMENT_TIMEOUT,default=15s"`
	PaymentRetries        int           `env:"PAYMENT_RETRIES,default=2"`
	PaymentTokenTTL       time.Duration `env:"PAYMENT_TOKEN_TTL,default=5m"`

	AllowUnverifiedSales bool    `env:"ALLOW_UNVERIFIED_SALES,default=false"`
	CORSOrigins          string  `env:"CORS_ORIGINS,default=*"`
	RateLimitRPS         float64 `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst       int     `env:"RATE_LIMIT_BURST,default=40"`

	SeedFile             string        `env:"SEED_FILE"`
	SessionTTL           time.Duration `env:"SESSION_TTL,default=1h"`
	HousekeepingSchedule string        `env:"HOUSEKEEPING_SCHEDULE,default=@every 5m"`
	BusBuffer            int           `env:"BUS_BUFFER,default=64"`
	BusHistory           int           `env:"BUS_HISTORY,default=256"`
}

// Config is the validated process configuration.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	Market  MarketConfig
	Agent   AgentConfig
	Oracle  OracleConfig
	Payment PaymentConfig
	HTTP    HTTPConfig

	SeedFile             string
	SessionTTL           time.Duration
	HousekeepingSchedule string
	BusBuffer            int
	BusHistory           int
}

// MarketConfig holds the marketplace economics.
type MarketConfig struct {
	DefaultStake    decimal.Decimal
	FeeRate         decimal.Decimal
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	TreasuryLogSize int
}

// AgentConfig holds the per-session agent defaults and its sandbox wallet.
type AgentConfig struct {
	Budget        decimal.Decimal
	MaxIterations int
	MinDelay      time.Duration
	Wallet        string
	WalletBalance decimal.Decimal
}

// OracleConfig selects the decision oracle. An empty URL means the offline
// keyword oracle.
type OracleConfig struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Retries     int
}

// Remote reports whether a remote oracle is configured.
func (o OracleConfig) Remote() bool {
	return strings.TrimSpace(o.URL) != ""
}

// PaymentConfig configures the payment gateway.
type PaymentConfig struct {
	Secret         string
	Network        string
	FacilitatorURL string
	FacilitatorKey string
	Timeout        time.Duration
	Retries        int
	TokenTTL       time.Duration
}

// HTTPConfig carries the HTTP surface policies.
type HTTPConfig struct {
	AllowUnverifiedSales bool
	CORSOrigins          []string
	RateLimitRPS         float64
	RateLimitBurst       int
}

// Load reads .env when present, decodes the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var env environment
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return env.build()
}

func (e environment) build() (*Config, error) {
	var errs []string
	money := func(name, value string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %q is not a decimal", name, value))
			return decimal.Zero
		}
		if d.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s must not be negative", name))
		}
		return d
	}

	cfg := &Config{
		HTTPAddr:  e.HTTPAddr,
		LogLevel:  e.LogLevel,
		LogFormat: e.LogFormat,
		Market: MarketConfig{
			DefaultStake:    money("DEFAULT_STAKE", e.DefaultStake),
			FeeRate:         money("FEE_RATE", e.FeeRate),
			MinPrice:        money("MIN_PRICE", e.MinPrice),
			MaxPrice:        money("MAX_PRICE", e.MaxPrice),
			TreasuryLogSize: e.TreasuryLogSize,
		},
		Agent: AgentConfig{
			Budget:        money("AGENT_BUDGET", e.AgentBudget),
			MaxIterations: e.AgentMaxIterations,
			MinDelay:      e.AgentMinDelay,
			Wallet:        e.AgentWallet,
			WalletBalance: money("AGENT_WALLET_BALANCE", e.AgentWalletBalance),
		},
		Oracle: OracleConfig{
			URL:         e.OracleURL,
			APIKey:      e.OracleAPIKey,
			Model:       e.OracleModel,
			Temperature: e.OracleTemperature,
			Timeout:     e.OracleTimeout,
			Retries:     e.OracleRetries,
		},
		Payment: PaymentConfig{
			Secret:         e.PaymentSecret,
			Network:        e.PaymentNetwork,
			FacilitatorURL: e.PaymentFacilitatorURL,
			FacilitatorKey: e.PaymentFacilitatorKey,
			Timeout:        e.PaymentTimeout,
			Retries:        e.PaymentRetries,
			TokenTTL:       e.PaymentTokenTTL,
		},
		HTTP: HTTPConfig{
			AllowUnverifiedSales: e.AllowUnverifiedSales,
			CORSOrigins:          splitList(e.CORSOrigins),
			RateLimitRPS:         e.RateLimitRPS,
			RateLimitBurst:       e.RateLimitBurst,
		},
		SeedFile:             e.SeedFile,
		SessionTTL:           e.SessionTTL,
		HousekeepingSchedule: e.HousekeepingSchedule,
		BusBuffer:            e.BusBuffer,
		BusHistory:           e.BusHistory,
	}

	if cfg.Market.FeeRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, "FEE_RATE must be between 0 and 1")
	}
	if cfg.Market.MaxPrice.LessThan(cfg.Market.MinPrice) {
		errs = append(errs, "MAX_PRICE must not be below MIN_PRICE")
	}
	if !cfg.Agent.Budget.IsPositive() {
		errs = append(errs, "AGENT_BUDGET must be positive")
	}
	if cfg.Agent.MaxIterations <= 0 {
		errs = append(errs, "AGENT_MAX_ITERATIONS must be positive")
	}
	if cfg.Agent.MinDelay < 0 {
		errs = append(errs, "AGENT_MIN_DELAY must not be negative")
	}
	if cfg.Payment.Retries < 0 || cfg.Oracle.Retries < 0 {
		errs = append(errs, "retry counts must not be negative")
	}
	if cfg.HTTP.RateLimitRPS < 0 {
		errs = append(errs, "RATE_LIMIT_RPS must not be negative")
	}
	if cfg.BusBuffer <= 0 {
		errs = append(errs, "BUS_BUFFER must be positive")
	}
	if cfg.SessionTTL <= 0 {
		errs = append(errs, "SESSION_TTL must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
