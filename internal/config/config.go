// Package config provides application configuration.
//
// Values are layered, later layers winning: built-in defaults, an optional
// YAML file, a .env file, AGENTCHAT_* environment variables, and finally
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentchat/internal/db"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL         = "http://localhost:8000"
	DefaultRequestTimeout = 60 * time.Second
	DefaultLogLevel       = "info"
)

// Config holds all application configuration.
type Config struct {
	// APIURL is the root of the agent platform's REST API.
	APIURL string `yaml:"api_url"`
	// DBPath is the SQLite file holding tokens and the last username.
	DBPath string `yaml:"db_path"`
	// LogPath receives the JSON log. The terminal belongs to the UI.
	LogPath        string        `yaml:"log_path"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ConfigPath is the YAML file that was read, if any.
	ConfigPath string `yaml:"-"`
}

// Dir returns <user config dir>/agentchat.
func Dir() string {
	path, err := db.DefaultPath()
	if err != nil {
		return "."
	}
	return filepath.Dir(path)
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	dir := Dir()
	return &Config{
		APIURL:         DefaultAPIURL,
		DBPath:         filepath.Join(dir, "agentchat.db"),
		LogPath:        filepath.Join(dir, "agentchat.log"),
		LogLevel:       DefaultLogLevel,
		RequestTimeout: DefaultRequestTimeout,
	}
}

type flagValues struct {
	configPath string
	envFile    string
	apiURL     string
	dbPath     string
	logPath    string
	logLevel   string
	timeout    time.Duration
}

// newFlagSet declares the command-line flags on a new set.
func newFlagSet(values *flagValues) *pflag.FlagSet {
	flags := pflag.NewFlagSet("agentchat", pflag.ContinueOnError)
	flags.StringVar(&values.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&values.envFile, "env-file", ".env", "path to a .env file")
	flags.StringVar(&values.apiURL, "api-url", "", "agent platform API URL (default "+DefaultAPIURL+")")
	flags.StringVar(&values.dbPath, "db", "", "path to the local state database")
	flags.StringVar(&values.logPath, "log-file", "", "path to the log file")
	flags.StringVar(&values.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.DurationVar(&values.timeout, "timeout", 0, "per-request timeout")
	return flags
}

// Load builds the configuration from args (without the program name) and
// the process environment. It returns pflag.ErrHelp when --help was given.
func Load(args []string) (*Config, error) {
	var values flagValues
	flags := newFlagSet(&values)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Defaults()

	configPath := values.configPath
	explicit := configPath != ""
	if !explicit {
		if env, ok := os.LookupEnv("AGENTCHAT_CONFIG"); ok && env != "" {
			configPath, explicit = env, true
		} else {
			configPath = filepath.Join(Dir(), "config.yaml")
		}
	}
	if err := cfg.loadFile(configPath, explicit); err != nil {
		return nil, err
	}

	if err := godotenv.Load(values.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", values.envFile, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if flags.Changed("api-url") {
		cfg.APIURL = values.apiURL
	}
	if flags.Changed("db") {
		cfg.DBPath = values.dbPath
	}
	if flags.Changed("log-file") {
		cfg.LogPath = values.logPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = values.logLevel
	}
	if flags.Changed("timeout") {
		cfg.RequestTimeout = values.timeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Usage returns the flag help text.
func Usage() string {
	var values flagValues
	return newFlagSet(&values).FlagUsages()
}

// loadFile merges the YAML file at path. A missing file is only an error
// when it was asked for explicitly.
func (c *Config) loadFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.ConfigPath = path
	return nil
}

func (c *Config) applyEnv() error {
	c.APIURL = getEnv("AGENTCHAT_API_URL", c.APIURL)
	c.DBPath = getEnv("AGENTCHAT_DB_PATH", c.DBPath)
	c.LogPath = getEnv("AGENTCHAT_LOG_PATH", c.LogPath)
	c.LogLevel = getEnv("AGENTCHAT_LOG_LEVEL", c.LogLevel)
	if value, ok := os.LookupEnv("AGENTCHAT_REQUEST_TIMEOUT"); ok {
		timeout, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: AGENTCHAT_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = timeout
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api url cannot be empty")
	}
	parsed, err := url.Parse(c.APIURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("api url %q must be an absolute http(s) URL", c.APIURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
