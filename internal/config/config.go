package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	// Gateway selects the execution adapter: paper, alpaca or polymarket.
	Gateway string `yaml:"gateway"`

	Alpaca      AlpacaConfig      `yaml:"alpaca"`
	Polymarket  PolymarketConfig  `yaml:"polymarket"`
	Paper       PaperConfig       `yaml:"paper"`
	Risk        RiskConfig        `yaml:"risk"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	API         APIConfig         `yaml:"api"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// Quotes seeds the reference board used by the paper gateway.
	Quotes map[string]float64 `yaml:"quotes"`
}

type AlpacaConfig struct {
	BaseURL   string        `yaml:"base_url"`
	KeyID     string        `yaml:"key_id"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
}

type PolymarketConfig struct {
	PrivateKey    string `yaml:"private_key"`
	APIKey        string `yaml:"api_key"`
	APISecret     string `yaml:"api_secret"`
	APIPassphrase string `yaml:"api_passphrase"`
}

type PaperConfig struct {
	InitialBalanceUSD float64 `yaml:"initial_balance_usd"`
	FeeBps            float64 `yaml:"fee_bps"`
	SlippageBps       float64 `yaml:"slippage_bps"`
	AllowShort        bool    `yaml:"allow_short"`
}

type RiskConfig struct {
	MaxOrderQuantity     int64 `yaml:"max_order_quantity"`
	MaxPositionPerSymbol int64 `yaml:"max_position_per_symbol"`
	MaxInFlight          int   `yaml:"max_in_flight"`
	// HaltOnStart boots with trading halted until an operator resumes.
	HaltOnStart bool `yaml:"halt_on_start"`
}

type CoordinatorConfig struct {
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PortfolioConfig controls the brokerage position sync.
type PortfolioConfig struct {
	SyncInterval time.Duration `yaml:"sync_interval"` // 0 syncs only on request
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	ServiceName    string        `yaml:"service_name"`
	Environment    string        `yaml:"environment"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Gateway:  "paper",
		Alpaca: AlpacaConfig{
			BaseURL:   "https://paper-api.alpaca.markets/v2",
			Timeout:   10 * time.Second,
			RateLimit: 3,
			RateBurst: 1,
		},
		Paper: PaperConfig{
			InitialBalanceUSD: 100000,
			FeeBps:            0,
			SlippageBps:       5,
		},
		Risk: RiskConfig{
			MaxOrderQuantity:     1000,
			MaxPositionPerSymbol: 5000,
			MaxInFlight:          8,
		},
		Coordinator: CoordinatorConfig{
			SubmitTimeout: 30 * time.Second,
			NotifyTimeout: 5 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval: time.Minute,
		},
		Portfolio: PortfolioConfig{
			SyncInterval: 5 * time.Minute,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "plutus",
			Environment:    "development",
			ExportInterval: 15 * time.Second,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv("POLYMARKET_PK"); v != "" {
		c.Polymarket.PrivateKey = v
	}
	if v := os.Getenv("POLYMARKET_API_KEY"); v != "" {
		c.Polymarket.APIKey = v
	}
	if v := os.Getenv("POLYMARKET_API_SECRET"); v != "" {
		c.Polymarket.APISecret = v
	}
	if v := os.Getenv("POLYMARKET_API_PASSPHRASE"); v != "" {
		c.Polymarket.APIPassphrase = v
	}
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		c.Alpaca.KeyID = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		c.Alpaca.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("APCA_API_BASE_URL")); v != "" {
		c.Alpaca.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_GATEWAY")); v != "" {
		c.Gateway = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("PLUTUS_ADMIN_TOKEN"); v != "" {
		c.API.AdminToken = v
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_API_ADDR")); v != "" {
		c.API.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_HALT_ON_START")); v != "" {
		c.Risk.HaltOnStart = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_PAPER_ALLOW_SHORT")); v != "" {
		c.Paper.AllowShort = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("PLUTUS_MAX_ORDER_QUANTITY")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Risk.MaxOrderQuantity = n
		}
	}
}
