// Package config loads the YAML configuration and builds the registries the
// notification engine runs on.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/alert-notifier/internal/channel"
	"github.com/t77yq/alert-notifier/internal/dispatcher"
	"github.com/t77yq/alert-notifier/internal/housekeeping"
	"github.com/t77yq/alert-notifier/internal/monitor"
)

// ErrInvalidConfig is wrapped by every validation error
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the whole configuration file
type Config struct {
	App         AppConfig               `mapstructure:"app"`
	Log         LogConfig               `mapstructure:"log"`
	Database    DatabaseConfig          `mapstructure:"database"`
	NATS        NATSConfig              `mapstructure:"nats"`
	Dispatcher  dispatcher.Config       `mapstructure:"dispatcher"`
	Reminders   RemindersConfig         `mapstructure:"reminders"`
	History     housekeeping.Config     `mapstructure:"history"`
	Calendar    CalendarConfig          `mapstructure:"calendar"`
	During      DuringConfig            `mapstructure:"during"`
	Hours       HoursConfig             `mapstructure:"hours"`
	Metrics     MetricsConfig           `mapstructure:"metrics"`
	Monitor     monitor.Config          `mapstructure:"monitor"`
	Channels    ChannelsConfig          `mapstructure:"channels"`
	People      map[string]PersonConfig `mapstructure:"people"`
	PeopleLists map[string]ListConfig   `mapstructure:"people_lists"`
	Groups      []GroupConfig           `mapstructure:"groups"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig selects the zap preset and level
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

type RemindersConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// KeyByRule keeps one pending reminder per rule rather than per person
	KeyByRule bool `mapstructure:"key_by_rule"`
}

// CalendarConfig points at the calendar service. Without a URL the bank
// holidays listed here are used and nobody is ever on holiday.
type CalendarConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BankHolidays []string      `mapstructure:"bank_holidays"`
}

type DuringConfig struct {
	Timezone       string        `mapstructure:"timezone"`
	Horizon        time.Duration `mapstructure:"horizon"`
	MaxEvaluations int           `mapstructure:"max_evaluations"`
	LookupTimeout  time.Duration `mapstructure:"lookup_timeout"`
}

// HoursConfig holds the hour ranges behind the named presets, e.g. "9.5...17.5"
type HoursConfig struct {
	Working  string `mapstructure:"working"`
	Daytime  string `mapstructure:"daytime"`
	DeadZone string `mapstructure:"dead_zone"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ChannelsConfig enables delivery channels; absent sections stay disabled
type ChannelsConfig struct {
	Email    *channel.EmailConfig    `mapstructure:"email"`
	SMS      *channel.SMSConfig      `mapstructure:"sms"`
	Telegram *channel.TelegramConfig `mapstructure:"telegram"`
	NATS     *NATSChannelConfig      `mapstructure:"nats"`
	Log      *LogChannelConfig       `mapstructure:"log"`
}

type NATSChannelConfig struct {
	Subject string `mapstructure:"subject"`
}

// LogChannelConfig registers a log channel under each name
type LogChannelConfig struct {
	Names    []string `mapstructure:"names"`
	Capacity int      `mapstructure:"capacity"`
}

// NotifyConfig is a reminder period and during clause
type NotifyConfig struct {
	Every  time.Duration `mapstructure:"every"`
	During any           `mapstructure:"during"`
}

// PersonConfig describes one person. Notifications maps a level, or "all",
// to the steps of its block. Notify holds the person's own defaults for rules
// that name them without saying when.
type PersonConfig struct {
	Holiday       string              `mapstructure:"holiday"`
	Contacts      map[string]string   `mapstructure:"contacts"`
	Thresholds    map[string]int      `mapstructure:"notification_thresholds"`
	Notifications map[string][]string `mapstructure:"notifications"`
	Notify        []NotifyConfig      `mapstructure:"notify"`
}

type ListConfig struct {
	Members  []string       `mapstructure:"members"`
	Calendar string         `mapstructure:"calendar"`
	Notify   []NotifyConfig `mapstructure:"notify"`
}

type GroupConfig struct {
	Name     string            `mapstructure:"name"`
	Level    string            `mapstructure:"level"`
	Includes map[string]string `mapstructure:"includes"`
	Notify   []RuleConfig      `mapstructure:"notify"`
}

// RuleConfig is one notify clause of a group
type RuleConfig struct {
	To     []string      `mapstructure:"to"`
	Every  time.Duration `mapstructure:"every"`
	During any           `mapstructure:"during"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alert-notifier")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("database.path", "alerts.db")
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("reminders.poll_interval", 5*time.Second)
	v.SetDefault("calendar.timeout", 10*time.Second)
	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the configuration file at path. Values may be overridden from
// the environment with the ALERT_NOTIFIER_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("alert_notifier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}
