package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

// dotenvPath is the optional .env file read by Load.
var dotenvPath = ".env"

const (
	DefaultPort                 = "3001"
	DefaultStorageRoot          = "uploads"
	DefaultMaxConcurrentUploads = 3
	DefaultMinFreeDisk          = 5 * humanize.GiByte
	DefaultMaxUploadSize        = 100 * humanize.MiByte
	DefaultRetentionAge         = 24 * time.Hour
	DefaultRetentionSchedule    = "0 3 * * *"
	DefaultExtractWaitTimeout   = 3 * time.Second
	DefaultExtractHardTimeout   = 10 * time.Minute
	DefaultRateLimitMax         = 60
	DefaultRateLimitWindow      = 60 * time.Second
)

// ByteSize is a byte count that reads human forms such as "100MiB" or "5GB".
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// ParseByteSize accepts plain byte counts and humanized sizes.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

type Config struct {
	Port      string `yaml:"port"`
	EnvMode   string `yaml:"env_mode"`
	PublicURL string `yaml:"public_url"`
	LogLevel  string `yaml:"log_level"`

	StorageRoot          string   `yaml:"storage_root"`
	MaxConcurrentUploads int      `yaml:"max_concurrent_uploads"`
	MinFreeDisk          ByteSize `yaml:"min_free_disk"`
	MaxUploadSize        ByteSize `yaml:"max_upload_size"`

	RetentionAge      time.Duration `yaml:"retention_age"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	FFmpegPath         string        `yaml:"ffmpeg_path"`
	ExtractWaitTimeout time.Duration `yaml:"extract_wait_timeout"`
	ExtractHardTimeout time.Duration `yaml:"extract_hard_timeout"`

	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	DiscordPingUserID string `yaml:"discord_ping_user_id"`
}

// envOverrides mirrors Config as raw strings so that an unset variable never
// clobbers a value that came from the YAML file.
type envOverrides struct {
	Port                 string `env:"PORT"`
	EnvMode              string `env:"BGM_ENV"`
	PublicURL            string `env:"PUBLIC_URL"`
	LogLevel             string `env:"LOG_LEVEL"`
	StorageRoot          string `env:"STORAGE_ROOT"`
	MaxConcurrentUploads string `env:"MAX_CONCURRENT_UPLOADS"`
	MinFreeDisk          string `env:"MIN_FREE_DISK"`
	MaxUploadSize        string `env:"MAX_UPLOAD_SIZE"`
	RetentionAge         string `env:"RETENTION_AGE"`
	RetentionSchedule    string `env:"RETENTION_SCHEDULE"`
	FFmpegPath           string `env:"FFMPEG_PATH"`
	ExtractWaitTimeout   string `env:"EXTRACT_WAIT_TIMEOUT"`
	ExtractHardTimeout   string `env:"EXTRACT_HARD_TIMEOUT"`
	RateLimitMax         string `env:"RATE_LIMIT_MAX"`
	RateLimitWindow      string `env:"RATE_LIMIT_WINDOW"`
	DiscordWebhookURL    string `env:"DISCORD_WEBHOOK_URL"`
	DiscordPingUserID    string `env:"DISCORD_PING_USER_ID"`
}

func Default() Config {
	return Config{
		Port:                 DefaultPort,
		EnvMode:              "development",
		LogLevel:             "info",
		StorageRoot:          DefaultStorageRoot,
		MaxConcurrentUploads: DefaultMaxConcurrentUploads,
		MinFreeDisk:          DefaultMinFreeDisk,
		MaxUploadSize:        DefaultMaxUploadSize,
		RetentionAge:         DefaultRetentionAge,
		RetentionSchedule:    DefaultRetentionSchedule,
		FFmpegPath:           "ffmpeg",
		ExtractWaitTimeout:   DefaultExtractWaitTimeout,
		ExtractHardTimeout:   DefaultExtractHardTimeout,
		RateLimitMax:         DefaultRateLimitMax,
		RateLimitWindow:      DefaultRateLimitWindow,
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// process environment, in increasing order of precedence. A .env file in the
// working directory is loaded first when present; a malformed one is an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Port, o.Port)
	setString(&c.EnvMode, o.EnvMode)
	setString(&c.PublicURL, o.PublicURL)
	setString(&c.LogLevel, o.LogLevel)
	setString(&c.StorageRoot, o.StorageRoot)
	setString(&c.RetentionSchedule, o.RetentionSchedule)
	setString(&c.FFmpegPath, o.FFmpegPath)
	setString(&c.DiscordWebhookURL, o.DiscordWebhookURL)
	setString(&c.DiscordPingUserID, o.DiscordPingUserID)

	var errs []error
	errs = append(errs,
		setInt(&c.MaxConcurrentUploads, "MAX_CONCURRENT_UPLOADS", o.MaxConcurrentUploads),
		setInt(&c.RateLimitMax, "RATE_LIMIT_MAX", o.RateLimitMax),
		setBytes(&c.MinFreeDisk, "MIN_FREE_DISK", o.MinFreeDisk),
		setBytes(&c.MaxUploadSize, "MAX_UPLOAD_SIZE", o.MaxUploadSize),
		setDuration(&c.RetentionAge, "RETENTION_AGE", o.RetentionAge),
		setDuration(&c.ExtractWaitTimeout, "EXTRACT_WAIT_TIMEOUT", o.ExtractWaitTimeout),
		setDuration(&c.ExtractHardTimeout, "EXTRACT_HARD_TIMEOUT", o.ExtractHardTimeout),
		setDuration(&c.RateLimitWindow, "RATE_LIMIT_WINDOW", o.RateLimitWindow),
	)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage root is required"))
	}
	if c.MaxConcurrentUploads < 1 {
		errs = append(errs, fmt.Errorf("max concurrent uploads must be positive, got %d", c.MaxConcurrentUploads))
	}
	if c.MaxUploadSize == 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if c.RetentionAge <= 0 {
		errs = append(errs, fmt.Errorf("retention age must be positive, got %s", c.RetentionAge))
	}
	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid retention schedule %q: %w", c.RetentionSchedule, err))
	}
	if c.ExtractWaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("extract wait timeout must be positive, got %s", c.ExtractWaitTimeout))
	}
	if c.ExtractHardTimeout < c.ExtractWaitTimeout {
		errs = append(errs, fmt.Errorf("extract hard timeout %s is shorter than wait timeout %s", c.ExtractHardTimeout, c.ExtractWaitTimeout))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.EnvMode == "production"
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, key, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBytes(dst *ByteSize, key, v string) error {
	if v == "" {
		return nil
	}
	n, err := ParseByteSize(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

var AllowedVideoExtensions = []string{"mp4", "avi", "mkv"}

const AudioExtension = "mp3"

func Contains(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
