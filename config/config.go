package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the worker configuration. Every key can be set in .env, config.yaml
// or the environment (upper-case form, e.g. WORK_DIR).
type Config struct {
	WorkDir  string `mapstructure:"work_dir"`
	WorkerID string `mapstructure:"worker_id"`
	UserID   int64  `mapstructure:"user_id"`

	Workers         int `mapstructure:"workers"`
	DownloadWorkers int `mapstructure:"download_workers"`
	MatchWorkers    int `mapstructure:"match_workers"`

	BatchDelaySeconds      int `mapstructure:"batch_delay_seconds"`
	FileTimeoutSeconds     int `mapstructure:"file_timeout_seconds"`
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds"`
	PrefetchTimeoutSeconds int `mapstructure:"prefetch_timeout_seconds"`
	PrefetchWindow         int `mapstructure:"prefetch_window"`
	QueueSizeThresholdMB   int `mapstructure:"queue_size_threshold_mb"`

	TenderLimit int   `mapstructure:"tender_limit"`
	RegionID    int64 `mapstructure:"region_id"`

	ResultStore        string `mapstructure:"result_store"`
	PostgresDSN        string `mapstructure:"postgres_dsn"`
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	LockTTLSeconds     int    `mapstructure:"lock_ttl_seconds"`
	LockRefreshSeconds int    `mapstructure:"lock_refresh_seconds"`

	PhrasesFile string `mapstructure:"phrases_file"`
	CatalogFile string `mapstructure:"catalog_file"`

	UnoconvertBin string `mapstructure:"unoconvert_bin"`
	OCREnabled    bool   `mapstructure:"ocr_enabled"`
	TesseractBin  string `mapstructure:"tesseract_bin"`
	PdftoppmBin   string `mapstructure:"pdftoppm_bin"`
	OCRLang       string `mapstructure:"ocr_lang"`

	StreamKey   string `mapstructure:"stream_key"`
	StreamGroup string `mapstructure:"stream_group"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

var defaults = map[string]any{
	"work_dir":                 "./tenders",
	"workers":                  2,
	"download_workers":         8,
	"match_workers":            0,
	"batch_delay_seconds":      5,
	"file_timeout_seconds":     300,
	"download_timeout_seconds": 600,
	"prefetch_timeout_seconds": 120,
	"prefetch_window":          0,
	"queue_size_threshold_mb":  20,
	"tender_limit":             1000,
	"region_id":                0,
	"result_store":             "postgres",
	"redis_db":                 0,
	"lock_ttl_seconds":         7200,
	"lock_refresh_seconds":     30,
	"unoconvert_bin":           "unoconvert",
	"ocr_enabled":              false,
	"tesseract_bin":            "tesseract",
	"pdftoppm_bin":             "pdftoppm",
	"ocr_lang":                 "rus+eng",
	"stream_key":               "tender:reprocess",
	"stream_group":             "tender-workers",
	"metrics_addr":             ":9090",
}

// Load reads .env (if present), then an optional config.yaml from the working
// directory or ./configs, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// keys without a default must still be known to Unmarshal
	for _, k := range []string{"worker_id", "user_id", "postgres_dsn", "redis_addr", "redis_password", "phrases_file", "catalog_file"} {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MatchWorkers <= 0 {
		c.MatchWorkers = c.Workers
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = DefaultWorkerID()
	}
	c.ResultStore = strings.ToLower(strings.TrimSpace(c.ResultStore))
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkDir) == "" {
		errs = append(errs, errors.New("WORK_DIR is empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	switch c.ResultStore {
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("RESULT_STORE=postgres requires POSTGRES_DSN"))
		}
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("RESULT_STORE=redis requires REDIS_ADDR"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown RESULT_STORE %q", c.ResultStore))
	}
	return errors.Join(errs...)
}

// WorkerID resolves the worker id before Load runs, for logging and tracing
// set up at startup. It reads WORKER_ID from the environment or .env and
// otherwise generates one and exports it, so Load picks the same id.
func WorkerID() string {
	_ = godotenv.Load()
	id := strings.TrimSpace(os.Getenv("WORKER_ID"))
	if id == "" {
		id = DefaultWorkerID()
		_ = os.Setenv("WORKER_ID", id)
	}
	return id
}

// DefaultWorkerID is "<hostname>-<8 hex chars>".
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) BatchDelay() time.Duration      { return seconds(c.BatchDelaySeconds) }
func (c *Config) FileTimeout() time.Duration     { return seconds(c.FileTimeoutSeconds) }
func (c *Config) DownloadTimeout() time.Duration { return seconds(c.DownloadTimeoutSeconds) }
func (c *Config) PrefetchTimeout() time.Duration { return seconds(c.PrefetchTimeoutSeconds) }
func (c *Config) LockTTL() time.Duration         { return seconds(c.LockTTLSeconds) }
func (c *Config) LockRefresh() time.Duration     { return seconds(c.LockRefreshSeconds) }

func (c *Config) QueueThreshold() int64 { return int64(c.QueueSizeThresholdMB) << 20 }
