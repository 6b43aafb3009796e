// Package config loads the bot's settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/devghori1264/aerophoenix/powerbot/internal/render"
)

// Config is the complete bot configuration. Keys mirror the environment
// variable names, lower-cased.
type Config struct {
	SlackBotToken      string `mapstructure:"slack_bot_token"`
	SlackSigningSecret string `mapstructure:"slack_signing_secret"`
	Port               int    `mapstructure:"port"`

	// Default destinations for mentions, per layout.
	ChannelDefault string `mapstructure:"post_to_channel_default"`
	ChannelServer2 string `mapstructure:"post_to_channel_server2"`

	Region           string `mapstructure:"aws_region"`
	Server1Instance  string `mapstructure:"aws_server1_instance_id"`
	Server2Instance  string `mapstructure:"aws_server2_instance_id"`
	Server1Label     string `mapstructure:"server1_label"`
	Server2Label     string `mapstructure:"server2_label"`
	MessageTitle     string `mapstructure:"message_title"`
	DisplayTimezone  string `mapstructure:"display_timezone"`
	ScheduleTimezone string `mapstructure:"schedule_timezone"`
	RefreshSchedule  string `mapstructure:"refresh_schedule"`
	ShutdownSchedule string `mapstructure:"shutdown_schedule"`

	RecheckDelay time.Duration `mapstructure:"recheck_delay"`

	DBPath      string `mapstructure:"db_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	GRPCAddr    string `mapstructure:"grpc_addr"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`
	TraceStdout bool   `mapstructure:"trace_stdout"`
}

// Layout names double as the mention keywords.
const (
	LayoutAll     = "layout 1"
	LayoutServer2 = "layout 2"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("slack_bot_token", "")
	v.SetDefault("slack_signing_secret", "")
	v.SetDefault("port", 3003)
	v.SetDefault("post_to_channel_default", "")
	v.SetDefault("post_to_channel_server2", "")
	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("aws_server1_instance_id", "")
	v.SetDefault("aws_server2_instance_id", "")
	v.SetDefault("server1_label", "Server 1")
	v.SetDefault("server2_label", "Server 2")
	v.SetDefault("message_title", "*Test Servers*")
	v.SetDefault("display_timezone", "America/Halifax")
	v.SetDefault("schedule_timezone", "America/Glace_Bay")
	v.SetDefault("refresh_schedule", "0 * * * *")
	v.SetDefault("shutdown_schedule", "0 18 * * *")
	v.SetDefault("recheck_delay", 15*time.Second)
	v.SetDefault("db_path", "./data/badger")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("grpc_addr", ":50051")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "powerbot.events")
	v.SetDefault("trace_stdout", false)
}

// Load reads the environment and, when path is non-empty, a YAML file.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.SlackBotToken == "" {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN is required"))
	}
	if c.SlackSigningSecret == "" {
		errs = append(errs, errors.New("SLACK_SIGNING_SECRET is required"))
	}
	if c.Server1Instance == "" || c.Server2Instance == "" {
		errs = append(errs, errors.New("AWS_SERVER1_INSTANCE_ID and AWS_SERVER2_INSTANCE_ID are required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RecheckDelay <= 0 {
		errs = append(errs, errors.New("recheck_delay must be positive"))
	}
	if _, err := time.LoadLocation(c.DisplayTimezone); err != nil {
		errs = append(errs, fmt.Errorf("display_timezone: %w", err))
	}
	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule_timezone: %w", err))
	}
	for name, spec := range map[string]string{"refresh_schedule": c.RefreshSchedule, "shutdown_schedule": c.ShutdownSchedule} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Layouts returns the two message layouts: every server, and server 2 only.
func (c *Config) Layouts() render.Layouts {
	s1 := render.Row{Label: c.Server1Label, InstanceID: c.Server1Instance}
	s2 := render.Row{Label: c.Server2Label, InstanceID: c.Server2Instance}
	return render.Layouts{
		{Name: LayoutAll, Title: c.MessageTitle, Rows: []render.Row{s1, s2}, Channel: c.ChannelDefault},
		{Name: LayoutServer2, Title: c.MessageTitle, Rows: []render.Row{s2}, Channel: c.ChannelServer2},
	}
}

// DisplayLocation is the timezone of the "last checked" line.
func (c *Config) DisplayLocation() *time.Location {
	return mustLocation(c.DisplayTimezone)
}

// ScheduleLocation is the timezone the cron jobs run in.
func (c *Config) ScheduleLocation() *time.Location {
	return mustLocation(c.ScheduleTimezone)
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return time.UTC
	}
	return loc
}
