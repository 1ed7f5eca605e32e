// Package config loads dashsim scenario configuration from a YAML file,
// an optional .env file and DASHSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides, e.g.
// DASHSIM_CLIENTS_COUNT=4.
const EnvPrefix = "DASHSIM"

// Config holds all configuration for a simulation run.
type Config struct {
	Seed     int64          `mapstructure:"seed"`
	Duration time.Duration  `mapstructure:"duration"`
	Network  NetworkConfig  `mapstructure:"network"`
	Server   ServerConfig   `mapstructure:"server"`
	Clients  ClientsConfig  `mapstructure:"clients"`
	Trace    TraceConfig    `mapstructure:"trace"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
}

// NetworkConfig describes the links between clients and the server.
type NetworkConfig struct {
	// LinkRate is the client link rate in bit/s
	LinkRate   int64         `mapstructure:"link_rate"`
	LinkDelay  time.Duration `mapstructure:"link_delay"`
	MSS        int           `mapstructure:"mss"`
	SendBuffer int           `mapstructure:"send_buffer"`
	// RateChanges vary the link rate over time
	RateChanges []RateChange `mapstructure:"rate_changes"`
}

// RateChange sets every client link to Rate at simulated time At.
type RateChange struct {
	At   time.Duration `mapstructure:"at"`
	Rate int64         `mapstructure:"rate"`
}

// ServerConfig holds content server settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Catalogs       []string      `mapstructure:"catalogs"`
	ContentRoot    string        `mapstructure:"content_root"`
	SegmentDir     string        `mapstructure:"segment_dir"`
	ManifestDir    string        `mapstructure:"manifest_dir"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// ClientsConfig holds settings shared by all simulated clients.
type ClientsConfig struct {
	Count               int           `mapstructure:"count"`
	StartInterval       time.Duration `mapstructure:"start_interval"`
	VideoID             int           `mapstructure:"video_id"`
	ScreenWidth         int           `mapstructure:"screen_width"`
	ScreenHeight        int           `mapstructure:"screen_height"`
	MaxBufferedSeconds  float64       `mapstructure:"max_buffered_seconds"`
	AllowUpscale        bool          `mapstructure:"allow_upscale"`
	AllowDownscale      bool          `mapstructure:"allow_downscale"`
	AdaptationLogic     string        `mapstructure:"adaptation_logic"`
	StartRepresentation string        `mapstructure:"start_representation"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
	TraceNotDownloaded  bool          `mapstructure:"trace_not_downloaded"`
}

// TraceConfig names trace output files. Empty names disable a trace.
type TraceConfig struct {
	Dir        string `mapstructure:"dir"`
	Player     string `mapstructure:"player"`
	Throughput string `mapstructure:"throughput"`
}

// GatewayConfig holds the HTTP gateway settings.
type GatewayConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (optional), the given .env files
// (".env" if none; missing files are ignored) and the environment, then
// validates it.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("seed", 1)
	v.SetDefault("duration", "120s")

	v.SetDefault("network.link_rate", 5_000_000)
	v.SetDefault("network.link_delay", "10ms")
	v.SetDefault("network.mss", 1460)
	v.SetDefault("network.send_buffer", 131072)

	v.SetDefault("server.host", "server")
	v.SetDefault("server.port", 80)
	v.SetDefault("server.catalogs", []string{})
	v.SetDefault("server.content_root", "")
	v.SetDefault("server.segment_dir", "/content/segments/")
	v.SetDefault("server.manifest_dir", "/content/mpds/")
	v.SetDefault("server.report_interval", "1s")

	v.SetDefault("clients.count", 1)
	v.SetDefault("clients.start_interval", "0s")
	v.SetDefault("clients.video_id", 1)
	v.SetDefault("clients.screen_width", 1920)
	v.SetDefault("clients.screen_height", 1080)
	v.SetDefault("clients.max_buffered_seconds", 30)
	v.SetDefault("clients.allow_upscale", true)
	v.SetDefault("clients.allow_downscale", false)
	v.SetDefault("clients.adaptation_logic", "lowest")
	v.SetDefault("clients.start_representation", "auto")
	v.SetDefault("clients.startup_delay", "2s")
	v.SetDefault("clients.trace_not_downloaded", false)

	v.SetDefault("trace.dir", "")
	v.SetDefault("trace.player", "")
	v.SetDefault("trace.throughput", "")

	v.SetDefault("gateway.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.Network.LinkRate <= 0 {
		return fmt.Errorf("network.link_rate must be positive, got %d", c.Network.LinkRate)
	}
	if c.Network.LinkDelay < 0 {
		return fmt.Errorf("network.link_delay must not be negative, got %s", c.Network.LinkDelay)
	}
	for _, rc := range c.Network.RateChanges {
		if rc.At < 0 || rc.Rate <= 0 {
			return fmt.Errorf("invalid rate change at %s to %d bit/s", rc.At, rc.Rate)
		}
	}
	sort.SliceStable(c.Network.RateChanges, func(i, j int) bool {
		return c.Network.RateChanges[i].At < c.Network.RateChanges[j].At
	})

	if len(c.Server.Catalogs) == 0 {
		return fmt.Errorf("server.catalogs must list at least one catalog file")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Clients.Count < 1 {
		return fmt.Errorf("clients.count must be at least 1, got %d", c.Clients.Count)
	}
	if c.Clients.VideoID < 1 || c.Clients.VideoID > len(c.Server.Catalogs) {
		return fmt.Errorf("clients.video_id %d does not name one of %d catalogs", c.Clients.VideoID, len(c.Server.Catalogs))
	}
	if c.Clients.MaxBufferedSeconds <= 0 {
		return fmt.Errorf("clients.max_buffered_seconds must be positive, got %v", c.Clients.MaxBufferedSeconds)
	}
	if c.Clients.StartInterval < 0 || c.Clients.StartupDelay < 0 {
		return fmt.Errorf("client delays must not be negative")
	}

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Gateway.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// NewLogger returns a structured logger for the given level and format.
// Unknown levels fall back to info, unknown formats to text.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
