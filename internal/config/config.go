package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/zone"
	"github.com/spf13/viper"
)

// DefaultPath is where the server looks for its configuration file.
const DefaultPath = "/etc/dutywatch/config.yaml"

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Zone     ZoneConfig     `mapstructure:"zone"`
}

// ServerConfig defines the metrics/health listener
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// DiscordConfig defines the chat connection
type DiscordConfig struct {
	Token         string         `mapstructure:"token"`
	AdminUserIDs  []string       `mapstructure:"admin_user_ids"`
	CommandPrefix string         `mapstructure:"command_prefix"`
	Channels      ChannelsConfig `mapstructure:"channels"`
	GameKeywords  []string       `mapstructure:"game_keywords"`
}

// ChannelsConfig maps notice kinds to channel IDs. An empty ID disables
// that kind of notice.
type ChannelsConfig struct {
	Duty   string `mapstructure:"duty"`
	Ledger string `mapstructure:"ledger"`
	Zone   string `mapstructure:"zone"`
	Report string `mapstructure:"report"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "file" or "redis"
	Path  string      `mapstructure:"path"` // data directory for the file backend
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines the accounting calendar
type TrackingConfig struct {
	Timezone    string `mapstructure:"timezone"`
	SummaryTime string `mapstructure:"summary_time"` // HH:MM local
}

// ZoneConfig defines the tracked location and how presence text is matched
// against it
type ZoneConfig struct {
	Name               string   `mapstructure:"name"`
	Classifier         string   `mapstructure:"classifier"` // "phrase" or "rego"
	LocationMarker     string   `mapstructure:"location_marker"`
	VehicleMarker      string   `mapstructure:"vehicle_marker"`
	VehicleTerminators []string `mapstructure:"vehicle_terminators"`
	UnknownVehicle     string   `mapstructure:"unknown_vehicle"`
	AuthorizedVehicles []string `mapstructure:"authorized_vehicles"`
	PolicyFile         string   `mapstructure:"policy_file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("DUTYWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration with every default applied.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values. Every recognised key has a
// default, so v.AllKeys() after SetDefaults is the set of valid keys.
func SetDefaults(v *viper.Viper) {
	g := zone.DefaultGrammar()

	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.metrics_port", 9090)

	// Discord defaults
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.admin_user_ids", []string{})
	v.SetDefault("discord.command_prefix", "!")
	v.SetDefault("discord.channels.duty", "")
	v.SetDefault("discord.channels.ledger", "")
	v.SetDefault("discord.channels.zone", "")
	v.SetDefault("discord.channels.report", "")
	v.SetDefault("discord.game_keywords", []string{"gta5vn.net", "gta5vn", "gta v", "gta 5", "fivem"})

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "/var/lib/dutywatch")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "dutywatch")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("tracking.summary_time", "23:59")

	// Zone defaults
	v.SetDefault("zone.name", g.LocationMarker)
	v.SetDefault("zone.classifier", "phrase")
	v.SetDefault("zone.location_marker", g.LocationMarker)
	v.SetDefault("zone.vehicle_marker", g.VehicleMarker)
	v.SetDefault("zone.vehicle_terminators", g.VehicleTerminators)
	v.SetDefault("zone.unknown_vehicle", g.UnknownVehicle)
	v.SetDefault("zone.authorized_vehicles", zone.DefaultAuthorizedVehicles)
	v.SetDefault("zone.policy_file", "")
}

// ValidKeys returns every recognised configuration key.
func ValidKeys() map[string]bool {
	v := viper.New()
	SetDefaults(v)

	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "", "file":
		cfg.Storage.Type = "file"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
		if cfg.Storage.Redis.Port < 0 || cfg.Storage.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", cfg.Storage.Redis.Port)
		}
		for name, d := range map[string]string{
			"dial_timeout":  cfg.Storage.Redis.DialTimeout,
			"read_timeout":  cfg.Storage.Redis.ReadTimeout,
			"write_timeout": cfg.Storage.Redis.WriteTimeout,
		} {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("invalid storage.redis.%s %q: %w", name, d, err)
			}
		}
	default:
		return fmt.Errorf("unknown storage type %q (want file or redis)", cfg.Storage.Type)
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q (want json or text)", cfg.Logging.Format)
	}

	if _, err := cfg.Location(); err != nil {
		return err
	}
	if _, _, err := cfg.SummaryClock(); err != nil {
		return err
	}

	switch cfg.Zone.Classifier {
	case "phrase":
	case "rego":
		if cfg.Zone.PolicyFile == "" {
			return fmt.Errorf("zone.policy_file is required for the rego classifier")
		}
	default:
		return fmt.Errorf("unknown zone classifier %q (want phrase or rego)", cfg.Zone.Classifier)
	}
	if cfg.Zone.LocationMarker == "" {
		return fmt.Errorf("zone.location_marker is required")
	}
	if cfg.Zone.Name == "" {
		cfg.Zone.Name = cfg.Zone.LocationMarker
	}

	return nil
}

// Location loads the tracking timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Tracking.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking.timezone %q: %w", c.Tracking.Timezone, err)
	}
	return loc, nil
}

// SummaryClock returns the hour and minute of tracking.summary_time.
func (c *Config) SummaryClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.Tracking.SummaryTime))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid tracking.summary_time %q (want HH:MM)", c.Tracking.SummaryTime)
	}
	return t.Hour(), t.Minute(), nil
}

// Grammar returns the zone grammar from the zone section.
func (c *Config) Grammar() zone.Grammar {
	return zone.Grammar{
		LocationMarker:     c.Zone.LocationMarker,
		VehicleMarker:      c.Zone.VehicleMarker,
		VehicleTerminators: c.Zone.VehicleTerminators,
		UnknownVehicle:     c.Zone.UnknownVehicle,
	}
}

// IsAdmin reports whether userID may run admin commands.
func (c *DiscordConfig) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile reports a missing explicit path as an fs error
	return errors.Is(err, fs.ErrNotExist)
}
