package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SessionPolicyCycle   = "cycle"
	SessionPolicyProcess = "process"
)

type Config struct {
	Optionflow OptionflowConfig `yaml:"optionflow"`
	Source     SourceConfig     `yaml:"source"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Status     StatusConfig     `yaml:"status"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type OptionflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	NSE NSEConfig `yaml:"nse"`
}

// NSEConfig describes the upstream option chain endpoint and the browser
// identity presented to it.
type NSEConfig struct {
	BaseURL          string          `yaml:"base_url"`
	OptionChainPath  string          `yaml:"option_chain_path"`
	Symbol           string          `yaml:"symbol"`
	BootstrapTimeout time.Duration   `yaml:"bootstrap_timeout"`
	FetchTimeout     time.Duration   `yaml:"fetch_timeout"`
	SessionPolicy    string          `yaml:"session_policy"`
	DiagnosticBytes  int             `yaml:"diagnostic_bytes"`
	Headers          HeadersConfig   `yaml:"headers"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	CloudflareBypass bool            `yaml:"cloudflare_bypass"`
	MaxIdleConns     int             `yaml:"max_idle_conns"`
	IdleConnTimeout  time.Duration   `yaml:"idle_conn_timeout"`
}

type HeadersConfig struct {
	UserAgent      string `yaml:"user_agent"`
	AcceptLanguage string `yaml:"accept_language"`
	AcceptEncoding string `yaml:"accept_encoding"`
	Accept         string `yaml:"accept"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
	PollTick time.Duration `yaml:"poll_tick"`
}

type WriterConfig struct {
	Directory  string        `yaml:"directory"`
	FilePrefix string        `yaml:"file_prefix"`
	Formats    FormatsConfig `yaml:"formats"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	CredentialsFile string        `yaml:"credentials_file"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

// StatusConfig controls the JSON status API.
type StatusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Optionflow: OptionflowConfig{
			Name:    "optionflow",
			Version: "dev",
		},
		Source: SourceConfig{
			NSE: NSEConfig{
				BaseURL:          "https://www.nseindia.com",
				OptionChainPath:  "/api/option-chain-indices",
				Symbol:           "NIFTY",
				BootstrapTimeout: 5 * time.Second,
				FetchTimeout:     10 * time.Second,
				SessionPolicy:    SessionPolicyCycle,
				DiagnosticBytes:  500,
				Headers: HeadersConfig{
					UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
					AcceptLanguage: "en-US,en;q=0.9",
					AcceptEncoding: "gzip, deflate, br",
					Accept:         "*/*",
				},
				RateLimit: RateLimitConfig{
					RequestsPerSecond: 1,
					BurstSize:         2,
				},
				CloudflareBypass: true,
				MaxIdleConns:     4,
				IdleConnTimeout:  90 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Interval: 5 * time.Minute,
			PollTick: time.Second,
		},
		Writer: WriterConfig{
			Directory:  "data",
			FilePrefix: "",
			Formats: FormatsConfig{
				Parquet: ParquetConfig{Compression: "snappy"},
			},
		},
		Storage: StorageConfig{
			S3: S3Config{
				UploadTimeout: 2 * time.Minute,
			},
		},
		Metrics: MetricsConfig{
			Prometheus: PrometheusConfig{Address: "0.0.0.0:2112"},
			CloudWatch: CloudWatchConfig{Namespace: "Optionflow"},
		},
		Status: StatusConfig{
			Address:    "0.0.0.0:8080",
			LogHistory: 200,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Source.NSE.Symbol = strings.ToUpper(strings.TrimSpace(config.Source.NSE.Symbol))
	config.Source.NSE.SessionPolicy = strings.ToLower(strings.TrimSpace(config.Source.NSE.SessionPolicy))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if env := AppEnvironment(); IsProductionLike(env) {
		if err := validateProductionConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed for %s: %w", env, err)
		}
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("OPTIONFLOW_SYMBOL"); v != "" {
		config.Source.NSE.Symbol = v
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Optionflow.Name == "" {
		return fmt.Errorf("optionflow.name is required")
	}

	nse := cfg.Source.NSE
	if _, err := url.ParseRequestURI(nse.BaseURL); err != nil {
		return fmt.Errorf("source.nse.base_url is invalid: %w", err)
	}
	if nse.OptionChainPath == "" {
		return fmt.Errorf("source.nse.option_chain_path is required")
	}
	if nse.Symbol == "" {
		return fmt.Errorf("source.nse.symbol is required")
	}
	if nse.BootstrapTimeout <= 0 {
		return fmt.Errorf("source.nse.bootstrap_timeout must be greater than 0")
	}
	if nse.FetchTimeout <= 0 {
		return fmt.Errorf("source.nse.fetch_timeout must be greater than 0")
	}
	if nse.DiagnosticBytes < 0 {
		return fmt.Errorf("source.nse.diagnostic_bytes must not be negative")
	}
	switch nse.SessionPolicy {
	case SessionPolicyCycle, SessionPolicyProcess:
	default:
		return fmt.Errorf("source.nse.session_policy '%s' is invalid", nse.SessionPolicy)
	}

	if cfg.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than 0")
	}
	if cfg.Scheduler.PollTick <= 0 {
		return fmt.Errorf("scheduler.poll_tick must be greater than 0")
	}
	if cfg.Scheduler.PollTick > cfg.Scheduler.Interval {
		return fmt.Errorf("scheduler.poll_tick must not exceed scheduler.interval")
	}

	if strings.TrimSpace(cfg.Writer.Directory) == "" {
		return fmt.Errorf("writer.directory is required")
	}

	if cfg.Status.Enabled && cfg.Status.LogHistory < 0 {
		return fmt.Errorf("status.log_history must not be negative")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.CredentialsFile == "" && (cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.credentials_file or storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

// minProductionInterval keeps deployed pollers from hammering the upstream.
const minProductionInterval = time.Minute

// validateProductionConfig applies the stricter rules used in staging and
// production.
func validateProductionConfig(cfg *Config) error {
	if cfg.Scheduler.Interval < minProductionInterval {
		return fmt.Errorf("scheduler.interval must be at least %s", minProductionInterval)
	}
	if endpoint := cfg.Storage.S3.Endpoint; cfg.Storage.S3.Enabled && endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme != "https" {
			return fmt.Errorf("storage.s3.endpoint must use https")
		}
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
