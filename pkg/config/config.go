package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development"`
	Logger      struct {
		Level      string `yaml:"level" default:"info"`
		Format     string `yaml:"format" default:"json"`
		Output     string `yaml:"output" default:"stdout"`
		TimeFormat string `yaml:"time_format"`
		Collector  struct {
			Enabled        bool          `yaml:"enabled"`
			Topic          string        `yaml:"topic" default:"marketsentry.logs"`
			Interval       time.Duration `yaml:"interval" default:"30s"`
			CountThreshold int           `yaml:"count_threshold" default:"100"`
			Levels         []string      `yaml:"levels"`
		} `yaml:"collector"`
	} `yaml:"logger"`
	Server struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8085"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"30s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORS            bool          `yaml:"cors" default:"true"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Detection struct {
		MissingDataThresholdMinutes   float64       `yaml:"missing_data_threshold_minutes" default:"30"`
		PriceMovementThresholdPercent float64       `yaml:"price_movement_threshold_percent" default:"5.0"`
		PriceMovementWindowMinutes    float64       `yaml:"price_movement_window_minutes" default:"15"`
		EnforcePriceWindow            bool          `yaml:"enforce_price_window"`
		StaleDataThresholdMinutes     float64       `yaml:"stale_data_threshold_minutes" default:"30"`
		VolumeSpikeMultiplier         float64       `yaml:"volume_spike_multiplier" default:"3"`
		VolumeSpikeWindow             int           `yaml:"volume_spike_window" default:"20"`
		ZScoreWindow                  int           `yaml:"zscore_window" default:"20"`
		ZScoreThreshold               float64       `yaml:"zscore_threshold" default:"3"`
		ZScoreCritical                float64       `yaml:"zscore_critical" default:"4"`
		EnableStaleData               bool          `yaml:"enable_stale_data" default:"true"`
		EnableVolumeSpike             bool          `yaml:"enable_volume_spike" default:"true"`
		EnableDataQuality             bool          `yaml:"enable_data_quality" default:"true"`
		EnableZScore                  bool          `yaml:"enable_zscore" default:"true"`
		BatchSize                     int           `yaml:"batch_size" default:"1000"`
		MaxWorkers                    int           `yaml:"max_workers" default:"4"`
		Schedule                      string        `yaml:"schedule" default:"@every 5m"`
		Lookback                      time.Duration `yaml:"lookback" default:"2h"`
		FetchTimeout                  time.Duration `yaml:"fetch_timeout" default:"10s"`
	} `yaml:"detection"`
	ML struct {
		Enabled       bool    `yaml:"enabled" default:"true"`
		Contamination float64 `yaml:"contamination" default:"0.1"`
		Trees         int     `yaml:"n_estimators" default:"100"`
		SampleSize    int     `yaml:"max_samples" default:"256"`
		Seed          int64   `yaml:"random_state" default:"42"`
		Store         string  `yaml:"store" default:"file"` // file or redis
		ModelPath     string  `yaml:"model_path" default:"models/anomaly_model.json"`
		RedisKey      string  `yaml:"redis_key" default:"marketsentry:model"`
		LoadOnStart   bool    `yaml:"load_on_start"`
	} `yaml:"ml"`
	Registry struct {
		HealthInterval   time.Duration `yaml:"health_interval" default:"60s"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" default:"5s"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"10s"`
		ConnectRetryMax  time.Duration `yaml:"connect_retry_max" default:"30s"`
		DefaultLimit     int           `yaml:"default_limit" default:"1000"`
	} `yaml:"registry"`
	Alerting struct {
		Notifiers  []string `yaml:"notifiers"` // log, kafka
		KafkaTopic string   `yaml:"kafka_topic" default:"marketsentry.alerts"`
	} `yaml:"alerting"`
	Stream struct {
		Enabled      bool          `yaml:"enabled"`
		Sources      []string      `yaml:"sources"`
		Symbols      []string      `yaml:"symbols"`
		MaxRPS       float64       `yaml:"max_rps" default:"10"`
		BufferSize   int           `yaml:"buffer_size" default:"10000"`
		BatchSize    int           `yaml:"batch_size" default:"200"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"5s"`
		History      int           `yaml:"history" default:"25"`
	} `yaml:"stream"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"10ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
	} `yaml:"kafka"`
	Redis struct {
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Sources    []SourceEntry    `yaml:"sources"`
	AlertRules []AlertRuleEntry `yaml:"alert_rules"`
}

// SourceEntry is one raw data-source entry. Entries are checked one by one
// after loading so a bad entry never rejects the whole file.
type SourceEntry struct {
	Name                   string                 `yaml:"name" validate:"required"`
	Type                   string                 `yaml:"type" validate:"required"`
	Enabled                bool                   `yaml:"enabled" default:"true"`
	Connection             map[string]interface{} `yaml:"connection"`
	ExpectedSymbols        []string               `yaml:"expected_symbols"`
	UpdateFrequencyMinutes int                    `yaml:"update_frequency_minutes" default:"1" validate:"gte=1"`
	MarketOpen             string                 `yaml:"market_open" default:"09:30" validate:"datetime=15:04"`
	MarketClose            string                 `yaml:"market_close" default:"16:00" validate:"datetime=15:04"`
	Timezone               string                 `yaml:"timezone" default:"US/Eastern" validate:"timezone"`
	EnableMissingData      bool                   `yaml:"enable_missing_data_detection" default:"true"`
	EnablePriceMovement    bool                   `yaml:"enable_price_movement_detection" default:"true"`
	EnableStaleData        bool                   `yaml:"enable_stale_data_detection" default:"true"`
	EnableVolumeSpike      bool                   `yaml:"enable_volume_spike_detection" default:"true"`
	EnableDataQuality      bool                   `yaml:"enable_data_quality_detection" default:"true"`
	MissingDataThreshold   *float64               `yaml:"missing_data_threshold_minutes" validate:"omitempty,gt=0"`
	PriceMovementThreshold *float64               `yaml:"price_movement_threshold_percent" validate:"omitempty,gt=0"`
	StaleDataThreshold     *float64               `yaml:"stale_data_threshold_minutes" validate:"omitempty,gt=0"`
}

func (e *SourceEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain SourceEntry
	p := (*plain)(e)
	if err := defaults.Set(p); err != nil {
		return fmt.Errorf("source defaults: %w", err)
	}
	return node.Decode(p)
}

type AlertRuleEntry struct {
	Name             string   `yaml:"name" json:"name" validate:"required"`
	Description      string   `yaml:"description" json:"description"`
	Symbols          []string `yaml:"symbols" json:"symbols"`
	Sources          []string `yaml:"data_sources" json:"data_sources"`
	AnomalyTypes     []string `yaml:"anomaly_types" json:"anomaly_types"`
	MinSeverity      string   `yaml:"min_severity" json:"min_severity" default:"medium" validate:"oneof=low medium high critical"`
	Emails           []string `yaml:"email_recipients" json:"email_recipients" validate:"omitempty,dive,email"`
	SMS              []string `yaml:"sms_recipients" json:"sms_recipients"`
	Webhooks         []string `yaml:"webhook_urls" json:"webhook_urls" validate:"omitempty,dive,url"`
	ActiveHoursStart string   `yaml:"active_hours_start" json:"active_hours_start" default:"00:00" validate:"datetime=15:04"`
	ActiveHoursEnd   string   `yaml:"active_hours_end" json:"active_hours_end" default:"23:59" validate:"datetime=15:04"`
	Timezone         string   `yaml:"timezone" json:"timezone" default:"US/Eastern" validate:"timezone"`
	MaxAlertsPerHour int      `yaml:"max_alerts_per_hour" json:"max_alerts_per_hour" default:"10" validate:"gte=1"`
	CooldownMinutes  int      `yaml:"cooldown_minutes" json:"cooldown_minutes" default:"15" validate:"gte=0"`
	Enabled          bool     `yaml:"enabled" json:"enabled" default:"true"`
}

func (e *AlertRuleEntry) UnmarshalYAML(node *yaml.Node) error {
	type plain AlertRuleEntry
	p := (*plain)(e)
	if err := defaults.Set(p); err != nil {
		return fmt.Errorf("alert rule defaults: %w", err)
	}
	return node.Decode(p)
}

// UnmarshalJSON applies defaults before decoding so omitted fields match
// the YAML behaviour.
func (e *AlertRuleEntry) UnmarshalJSON(b []byte) error {
	type plain AlertRuleEntry
	p := (*plain)(e)
	if err := defaults.Set(p); err != nil {
		return fmt.Errorf("alert rule defaults: %w", err)
	}
	return json.Unmarshal(b, p)
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("MARKETSENTRY_ENV"); v != "" {
		c.Environment = v
	}
	if v := getenv("MARKETSENTRY_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := getenv("MARKETSENTRY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := getenv("MARKETSENTRY_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("MARKETSENTRY_REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := getenv("MARKETSENTRY_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("MARKETSENTRY_MODEL_PATH"); v != "" {
		c.ML.ModelPath = v
	}
	if v := getenv("MARKETSENTRY_STREAM_SYMBOLS"); v != "" {
		c.Stream.Symbols = strings.Split(v, ",")
	}
}

// Validate checks the sections the process cannot start without.
// Source and alert rule entries are validated individually elsewhere.
func (c *Config) Validate() error {
	switch c.Logger.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level must be debug, info, warn or error, got '%s'", c.Logger.Level)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Detection.MissingDataThresholdMinutes <= 0 {
		return fmt.Errorf("detection.missing_data_threshold_minutes must be positive")
	}
	if c.Detection.PriceMovementThresholdPercent <= 0 {
		return fmt.Errorf("detection.price_movement_threshold_percent must be positive")
	}
	if c.Detection.ZScoreWindow < 2 {
		return fmt.Errorf("detection.zscore_window must be at least 2")
	}
	// one outlier inside a window of w scores at most (w-1)/sqrt(w)
	if w := float64(c.Detection.ZScoreWindow); (w-1)/math.Sqrt(w) <= c.Detection.ZScoreThreshold {
		return fmt.Errorf("detection.zscore_window %d can never exceed zscore_threshold %v", c.Detection.ZScoreWindow, c.Detection.ZScoreThreshold)
	}
	if c.ML.Contamination <= 0 || c.ML.Contamination >= 0.5 {
		return fmt.Errorf("ml.contamination must be in (0, 0.5), got %v", c.ML.Contamination)
	}
	if c.ML.Store != "file" && c.ML.Store != "redis" {
		return fmt.Errorf("ml.store must be 'file' or 'redis', got '%s'", c.ML.Store)
	}
	if c.Registry.HealthInterval <= 0 {
		return fmt.Errorf("registry.health_interval must be positive")
	}
	return nil
}
