package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"queue-notifier/line"
	"queue-notifier/scraper"

	"gopkg.in/yaml.v3"
)

// config holds the service settings. Values come from an optional YAML file named by
// CONFIG_FILE, then environment variables, which win.
type config struct {
	Port                  string        `yaml:"port"`
	ChannelAccessToken    string        `yaml:"line_channel_access_token"`
	ChannelSecret         string        `yaml:"line_channel_secret"`
	LineAPIBase           string        `yaml:"line_api_base"`
	StorageBucket         string        `yaml:"storage_bucket"`
	LocalStorage          string        `yaml:"local_storage"`
	SubscriberKeySalt     string        `yaml:"subscriber_key_salt"`
	GoogleCredentialsJSON string        `yaml:"-"`
	SnapshotDB            string        `yaml:"snapshot_db"`
	BoardURL              string        `yaml:"board_url"`
	BoardRowSelector      string        `yaml:"board_row_selector"`
	BoardCounterAttr      string        `yaml:"board_counter_attr"`
	BoardCalledSelector   string        `yaml:"board_called_selector"`
	AdminToken            string        `yaml:"admin_token"`
	LogLevel              string        `yaml:"log_level"`
	Language              string        `yaml:"language"`
	ScanInterval          time.Duration `yaml:"scan_interval"`
	EvictInterval         time.Duration `yaml:"evict_interval"`
	SubscriberTimeout     time.Duration `yaml:"subscriber_timeout"`
	BoardInterval         time.Duration `yaml:"board_interval"`
	NearThreshold         int           `yaml:"near_threshold"`
	MaxConcurrent         int           `yaml:"max_concurrent"`
	MockDelivery          bool          `yaml:"mock_delivery"`
}

func defaultConfig() *config {
	return &config{
		Port:                "8080",
		LineAPIBase:         line.DefaultBaseURL,
		SnapshotDB:          "./data/snapshots.db",
		BoardRowSelector:    scraper.DefaultRowSelector,
		BoardCounterAttr:    scraper.DefaultCounterAttr,
		BoardCalledSelector: scraper.DefaultCalledSelector,
		LogLevel:            "info",
		Language:            string(line.Thai),
		ScanInterval:        30 * time.Second,
		EvictInterval:       time.Minute,
		SubscriberTimeout:   20 * time.Second,
		BoardInterval:       30 * time.Second,
		NearThreshold:       5,
		MaxConcurrent:       16,
	}
}

// loadConfig builds the configuration from getenv (os.Getenv in production).
func loadConfig(getenv func(string) string) (*config, error) {
	cfg := defaultConfig()

	if path := getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	strs := map[string]*string{
		"PORT":                      &cfg.Port,
		"LINE_CHANNEL_ACCESS_TOKEN": &cfg.ChannelAccessToken,
		"LINE_CHANNEL_SECRET":       &cfg.ChannelSecret,
		"LINE_API_BASE":             &cfg.LineAPIBase,
		"STORAGE_BUCKET":            &cfg.StorageBucket,
		"LOCAL_STORAGE":             &cfg.LocalStorage,
		"SUBSCRIBER_KEY_SALT":       &cfg.SubscriberKeySalt,
		"GOOGLE_CREDENTIALS_JSON":   &cfg.GoogleCredentialsJSON,
		"SNAPSHOT_DB":               &cfg.SnapshotDB,
		"BOARD_URL":                 &cfg.BoardURL,
		"BOARD_ROW_SELECTOR":        &cfg.BoardRowSelector,
		"BOARD_COUNTER_ATTR":        &cfg.BoardCounterAttr,
		"BOARD_CALLED_SELECTOR":     &cfg.BoardCalledSelector,
		"ADMIN_TOKEN":               &cfg.AdminToken,
		"LOG_LEVEL":                 &cfg.LogLevel,
		"LINE_LANGUAGE":             &cfg.Language,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"SCAN_INTERVAL":      &cfg.ScanInterval,
		"EVICT_INTERVAL":     &cfg.EvictInterval,
		"SUBSCRIBER_TIMEOUT": &cfg.SubscriberTimeout,
		"BOARD_INTERVAL":     &cfg.BoardInterval,
	}
	for key, dst := range durations {
		v := getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"NEAR_THRESHOLD": &cfg.NearThreshold,
		"MAX_CONCURRENT": &cfg.MaxConcurrent,
	}
	for key, dst := range ints {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v := getenv("MOCK_DELIVERY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("MOCK_DELIVERY: %w", err)
		}
		cfg.MockDelivery = b
	}

	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	return cfg, cfg.validate()
}

func (c *config) validate() error {
	var errs []error
	if c.ChannelSecret == "" {
		errs = append(errs, errors.New("LINE_CHANNEL_SECRET is required"))
	}
	if c.ChannelAccessToken == "" && !c.MockDelivery {
		errs = append(errs, errors.New("LINE_CHANNEL_ACCESS_TOKEN is required unless MOCK_DELIVERY is set"))
	}
	if c.StorageBucket != "" && c.SubscriberKeySalt == "" {
		errs = append(errs, errors.New("SUBSCRIBER_KEY_SALT is required with STORAGE_BUCKET"))
	}
	if c.NearThreshold < 1 {
		errs = append(errs, fmt.Errorf("NEAR_THRESHOLD must be >= 1, got %d", c.NearThreshold))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT must be >= 1, got %d", c.MaxConcurrent))
	}
	for name, d := range map[string]time.Duration{
		"SCAN_INTERVAL":      c.ScanInterval,
		"EVICT_INTERVAL":     c.EvictInterval,
		"SUBSCRIBER_TIMEOUT": c.SubscriberTimeout,
		"BOARD_INTERVAL":     c.BoardInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if _, err := line.ParseLanguage(c.Language); err != nil {
		errs = append(errs, fmt.Errorf("LINE_LANGUAGE: %w", err))
	}
	return errors.Join(errs...)
}

func (c *config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
