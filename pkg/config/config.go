package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Values come from YAML with
// environment variable overrides applied on top (see LoadWithEnv).
type Config struct {
	Environment string `yaml:"environment" default:"development"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		CORSOrigin      string        `yaml:"cors_origin" default:"*"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`

	Engine struct {
		Mode                string        `yaml:"mode" default:"PAPER" validate:"oneof=PAPER LIVE"`
		Symbols             []string      `yaml:"symbols"`
		Timeframe           string        `yaml:"timeframe" default:"1h"`
		AutoPaper           bool          `yaml:"auto_paper" default:"true"`
		ConfidenceThreshold float64       `yaml:"confidence_threshold" default:"0.6" validate:"gte=0,lte=1"`
		InitialBalance      float64       `yaml:"initial_balance" default:"10000" validate:"gt=0"`
		StaleDataMs         int64         `yaml:"stale_data_ms" default:"7200000" validate:"gt=0"`
		TickInterval        time.Duration `yaml:"tick_interval" default:"60s"`
		RefinementInterval  time.Duration `yaml:"refinement_interval" default:"24h"`
		MinExpectedEdge     float64       `yaml:"min_expected_edge" default:"0.0005"`
		MaxPositionSizePct  float64       `yaml:"max_position_size_pct" default:"0.25" validate:"gt=0,lte=1"`
		MaxExposurePct      float64       `yaml:"max_exposure_pct" default:"0.7" validate:"gt=0,lte=1"`
		PaperSlippageBps    float64       `yaml:"paper_slippage_bps" default:"4"`
		PaperFeeBps         float64       `yaml:"paper_fee_bps" default:"10"`
	} `yaml:"engine"`

	Stream struct {
		RESTBaseURL   string        `yaml:"rest_base_url" default:"https://api.binance.com"`
		WSBaseURL     string        `yaml:"ws_base_url" default:"wss://stream.binance.com:9443"`
		BootstrapBars int           `yaml:"bootstrap_bars" default:"120" validate:"gt=0,lte=500"`
		BackfillBars  int           `yaml:"backfill_bars" default:"20" validate:"gt=0"`
		MaxBuffer     int           `yaml:"max_buffer" default:"500" validate:"gt=0"`
		Heartbeat     time.Duration `yaml:"heartbeat" default:"5s"`
		StaleAfter    time.Duration `yaml:"stale_after" default:"20s"`
		BackoffMin    time.Duration `yaml:"backoff_min" default:"500ms"`
		BackoffMax    time.Duration `yaml:"backoff_max" default:"30s"`
		HTTPTimeout   time.Duration `yaml:"http_timeout" default:"12s"`
	} `yaml:"stream"`

	Database struct {
		URL string `yaml:"url"` // empty selects the file-backed history store
		Dir string `yaml:"dir" default:"data"`
	} `yaml:"database"`

	ClickHouse struct {
		Enabled      bool          `yaml:"enabled"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"9000"`
		Database     string        `yaml:"database" default:"papertrader"`
		User         string        `yaml:"user" default:"default"`
		Password     string        `yaml:"password"`
		AsyncInsert  bool          `yaml:"async_insert" default:"true"`
		WaitForAsync bool          `yaml:"wait_for_async_insert"`
		DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"clickhouse"`

	Kafka struct {
		Brokers      []string      `yaml:"brokers"` // empty disables the event mirror
		Topic        string        `yaml:"topic" default:"papertrader.events"`
		RequiredAcks int           `yaml:"required_acks" default:"-1"`
		Compression  string        `yaml:"compression" default:"gzip"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"kafka"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Arbitrage struct {
		Enabled       bool          `yaml:"enabled" default:"true"`
		ScanInterval  time.Duration `yaml:"scan_interval" default:"15s"`
		LatencyBuffer float64       `yaml:"latency_buffer" default:"0.0002"`
		NotionalUSD   float64       `yaml:"notional_usd" default:"100" validate:"gt=0"`
		QuoteCacheTTL time.Duration `yaml:"quote_cache_ttl" default:"2s"`
	} `yaml:"arbitrage"`

	KuCoin struct {
		APIKey        string `yaml:"api_key"`
		APISecret     string `yaml:"api_secret"`
		APIPassphrase string `yaml:"api_passphrase"`
	} `yaml:"kucoin"`
}

// Load reads and parses a YAML configuration file, applying defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// Validation runs after all overrides are applied.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("BACKEND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.Server.CORSOrigin = v
	}
	if v := os.Getenv("ENGINE_MODE"); v != "" {
		c.Engine.Mode = strings.ToUpper(v)
	}
	if v := os.Getenv("AUTO_PAPER"); v != "" {
		c.Engine.AutoPaper = v == "true" || v == "1"
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("ENGINE_SYMBOL"); v != "" {
		c.Engine.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("BOT_TIMEFRAME"); v != "" {
		c.Engine.Timeframe = v
	}
	if v := os.Getenv("BOT_STALE_DATA_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Engine.StaleDataMs = n
		}
	}
	if v := os.Getenv("BOT_MIN_EXPECTED_EDGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.MinExpectedEdge = f
		}
	}
	if v := os.Getenv("BOT_MAX_POSITION_SIZE_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.MaxPositionSizePct = f
		}
	}
	if v := os.Getenv("BOT_MAX_EXPOSURE_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.MaxExposurePct = f
		}
	}
	if v := os.Getenv("BOT_PAPER_SLIPPAGE_BPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.PaperSlippageBps = f
		}
	}
	if v := os.Getenv("BOT_PAPER_FEE_BPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.PaperFeeBps = f
		}
	}
	if v := os.Getenv("BOT_LOOP_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Arbitrage.ScanInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("KUCOIN_API_KEY"); v != "" {
		c.KuCoin.APIKey = v
	}
	if v := os.Getenv("KUCOIN_API_SECRET"); v != "" {
		c.KuCoin.APISecret = v
	}
	if v := os.Getenv("KUCOIN_API_PASSPHRASE"); v != "" {
		c.KuCoin.APIPassphrase = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks structural constraints plus the mode-dependent ones the
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols cannot be empty")
	}
	if c.Engine.Mode == "LIVE" {
		if c.KuCoin.APIKey == "" || c.KuCoin.APISecret == "" || c.KuCoin.APIPassphrase == "" {
			return fmt.Errorf("LIVE mode requires KUCOIN_API_KEY, KUCOIN_API_SECRET and KUCOIN_API_PASSPHRASE")
		}
	}
	return nil
}
