package config

import (
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// CASEWORK_DETECTION_API_KEY for detection.api_key.
const EnvPrefix = "CASEWORK"

// Config holds the daemon configuration.
type Config struct {
	Log         Log         `mapstructure:"log"`
	HTTP        HTTP        `mapstructure:"http"`
	Journal     Journal     `mapstructure:"journal"`
	Records     Records     `mapstructure:"records"`
	Detection   Detection   `mapstructure:"detection"`
	Notify      Notify      `mapstructure:"notify"`
	Poller      Poller      `mapstructure:"poller"`
	Workflows   Workflows   `mapstructure:"workflows"`
	Maintenance Maintenance `mapstructure:"maintenance"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Journal selects the run journal backend: memory or sqlite.
type Journal struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Prefix string `mapstructure:"prefix"`
}

// Records selects the record store backend: memory or postgres.
type Records struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Detection struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Notify selects the notification sender: log or http.
type Notify struct {
	Driver   string `mapstructure:"driver"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

type Poller struct {
	WorkerID        string        `mapstructure:"worker_id"`
	Interval        time.Duration `mapstructure:"interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type Workflows struct {
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	EarlyTolerance  time.Duration `mapstructure:"early_tolerance"`
	UploadDelay     time.Duration `mapstructure:"upload_delay"`
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	Retries         int           `mapstructure:"retries"`
}

// Maintenance holds the cron expressions of the periodic jobs. An empty
// expression disables the job.
type Maintenance struct {
	PruneSchedule    string        `mapstructure:"prune_schedule"`
	PruneOlderThan   time.Duration `mapstructure:"prune_older_than"`
	RecoverSchedule  string        `mapstructure:"recover_schedule"`
	RecoverOlderThan time.Duration `mapstructure:"recover_older_than"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

var defaults = map[string]any{
	"log.level":                      "info",
	"log.format":                     "json",
	"http.addr":                      ":8080",
	"http.shutdown_timeout":          "10s",
	"journal.driver":                 "sqlite",
	"journal.dsn":                    "file:casework.db?_busy_timeout=5000",
	"journal.prefix":                 "casework",
	"records.driver":                 "memory",
	"records.dsn":                    "",
	"detection.url":                  "http://localhost:8000",
	"detection.api_key":              "",
	"detection.timeout":              "2m",
	"notify.driver":                  "log",
	"notify.endpoint":                "",
	"notify.api_key":                 "",
	"poller.worker_id":               "caseworkd",
	"poller.interval":                "1s",
	"poller.batch_size":              100,
	"poller.concurrency":             8,
	"poller.lease_duration":          "5m",
	"poller.redelivery_delay":        "5s",
	"poller.max_attempts":            5,
	"workflows.grace_period":         "720h",
	"workflows.early_tolerance":      "1h",
	"workflows.upload_delay":         "1m",
	"workflows.verification_ttl":     "24h",
	"workflows.retries":              2,
	"maintenance.prune_schedule":     "@daily",
	"maintenance.prune_older_than":   "720h",
	"maintenance.recover_schedule":   "@every 5m",
	"maintenance.recover_older_than": "10m",
	"maintenance.timeout":            "1m",
}

// Load reads path (YAML) when given, or casework.yaml from the working
// directory when present, then applies CASEWORK_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("casework")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Detection.URL = strings.TrimRight(strings.TrimSpace(cfg.Detection.URL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the backend selections and their required settings.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Log),
		validation.Field(&c.Journal),
		validation.Field(&c.Records),
		validation.Field(&c.Detection),
		validation.Field(&c.Notify),
		validation.Field(&c.Poller),
		validation.Field(&c.Workflows),
	)
}

func (l Log) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal")),
		validation.Field(&l.Format, validation.In("json", "text")),
	)
}

func (j Journal) Validate() error {
	return validation.ValidateStruct(&j,
		validation.Field(&j.Driver, validation.Required, validation.In("memory", "sqlite")),
		validation.Field(&j.DSN, validation.When(j.Driver == "sqlite", validation.Required)),
	)
}

func (r Records) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Driver, validation.Required, validation.In("memory", "postgres")),
		validation.Field(&r.DSN, validation.When(r.Driver == "postgres", validation.Required)),
	)
}

func (d Detection) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.URL, validation.Required, is.URL),
		validation.Field(&d.Timeout, validation.Min(time.Second)),
	)
}

func (n Notify) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.Driver, validation.Required, validation.In("log", "http")),
		validation.Field(&n.Endpoint, validation.When(n.Driver == "http", validation.Required, is.URL)),
	)
}

func (p Poller) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Interval, validation.Required),
		validation.Field(&p.BatchSize, validation.Min(1)),
		validation.Field(&p.Concurrency, validation.Min(1)),
		validation.Field(&p.MaxAttempts, validation.Min(1)),
	)
}

func (w Workflows) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.GracePeriod, validation.Required),
		validation.Field(&w.Retries, validation.Min(0)),
	)
}
