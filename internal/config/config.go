package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Backend  BackendConfig  `yaml:"backend" mapstructure:"backend"`
	Replay   ReplayConfig   `yaml:"replay" mapstructure:"replay"`
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	Recorder RecorderConfig `yaml:"recorder" mapstructure:"recorder"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Output   OutputConfig   `yaml:"output" mapstructure:"output"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// BackendConfig describes the system under test
type BackendConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	FunctionsURL string `yaml:"functions_url" mapstructure:"functions_url"`
	// Timeout per request in seconds
	Timeout               int  `yaml:"timeout" mapstructure:"timeout"`
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// ReplayConfig controls artifact replay
type ReplayConfig struct {
	SuiteDir   string `yaml:"suite_dir" mapstructure:"suite_dir"`
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
	// StopOnFailure is parsed leniently from replay.stop_on_failure, see ParseSwitch
	StopOnFailure bool `yaml:"stop_on_failure" mapstructure:"-"`
}

// IdentityConfig selects how each artifact gets a fresh identity
type IdentityConfig struct {
	Provider     string `yaml:"provider" mapstructure:"provider"`
	Token        string `yaml:"token" mapstructure:"token"`
	UserID       string `yaml:"user_id" mapstructure:"user_id"`
	SignupPath   string `yaml:"signup_path" mapstructure:"signup_path"`
	DeletePath   string `yaml:"delete_path" mapstructure:"delete_path"`
	SkipTeardown bool   `yaml:"skip_teardown" mapstructure:"skip_teardown"`
}

// RecorderConfig recording proxy configuration
type RecorderConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes          int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	SessionID             string   `yaml:"session_id" mapstructure:"session_id"`
	UserID                string   `yaml:"user_id" mapstructure:"user_id"`
	ControlPath           string   `yaml:"control_path" mapstructure:"control_path"`
	LiveFeed              bool     `yaml:"live_feed" mapstructure:"live_feed"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls report output style
type OutputConfig struct {
	Mode          string   `yaml:"mode" mapstructure:"mode"`
	Silence       bool     `yaml:"silence" mapstructure:"silence"`
	MaxValueChars int      `yaml:"max_value_chars" mapstructure:"max_value_chars"`
	RedactFields  []string `yaml:"redact_fields" mapstructure:"redact_fields"`
}

// StorageConfig persistence settings for recorded rows and run history
type StorageConfig struct {
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	Path       string        `yaml:"path" mapstructure:"path"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
	RecordRuns bool          `yaml:"record_runs" mapstructure:"record_runs"`
}

// MetricsConfig prometheus export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// envAliases keeps the environment names used by earlier tooling working
var envAliases = map[string]string{
	"backend.base_url":       "SUPABASE_BASE_URL",
	"backend.api_key":        "SUPABASE_ANON_KEY",
	"backend.functions_url":  "SUPABASE_FUNCTIONS_URL",
	"replay.stop_on_failure": "RUN_TESTCASE_STOP_ON_FAILURE",
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REQREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		envKey := "REQREPLAY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, alias); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reqreplay")
		v.AddConfigPath("/etc/reqreplay")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := applyDefaults(&config, v); err != nil {
		return nil, err
	}
	config.Normalize()

	return &config, nil
}

func applyDefaults(cfg *Config, v *viper.Viper) error {
	stop, err := ParseSwitch(v.GetString("replay.stop_on_failure"))
	if err != nil {
		return fmt.Errorf("replay.stop_on_failure: %w", err)
	}
	cfg.Replay.StopOnFailure = stop

	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = v.GetInt("backend.timeout")
	}
	if cfg.Replay.SuiteDir == "" {
		cfg.Replay.SuiteDir = v.GetString("replay.suite_dir")
	}
	if cfg.Identity.Provider == "" {
		cfg.Identity.Provider = v.GetString("identity.provider")
	}
	if cfg.Identity.SignupPath == "" {
		cfg.Identity.SignupPath = v.GetString("identity.signup_path")
	}
	if cfg.Identity.DeletePath == "" {
		cfg.Identity.DeletePath = v.GetString("identity.delete_path")
	}
	if cfg.Recorder.Port == 0 {
		cfg.Recorder.Port = v.GetInt("recorder.port")
	}
	if cfg.Recorder.ControlPath == "" {
		cfg.Recorder.ControlPath = v.GetString("recorder.control_path")
	}
	if len(cfg.Recorder.HeaderBlacklist) == 0 {
		cfg.Recorder.HeaderBlacklist = v.GetStringSlice("recorder.header_blacklist")
	}
	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	if cfg.Output.MaxValueChars == 0 {
		cfg.Output.MaxValueChars = v.GetInt("output.max_value_chars")
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.functions_url", "")
	v.SetDefault("backend.timeout", 120)
	v.SetDefault("backend.tls_insecure_skip_verify", false)

	// Replay defaults
	v.SetDefault("replay.suite_dir", "./testcases")
	v.SetDefault("replay.policy_file", "")
	v.SetDefault("replay.stop_on_failure", "false")

	// Identity defaults
	v.SetDefault("identity.provider", "anonymous")
	v.SetDefault("identity.token", "")
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.signup_path", "auth/v1/signup")
	v.SetDefault("identity.delete_path", "ingredicheck/deleteme")
	v.SetDefault("identity.skip_teardown", false)

	// Recorder defaults
	v.SetDefault("recorder.port", 38889)
	v.SetDefault("recorder.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("recorder.session_id", "")
	v.SetDefault("recorder.user_id", "")
	v.SetDefault("recorder.control_path", "/_recorder")
	v.SetDefault("recorder.live_feed", true)
	v.SetDefault("recorder.max_idle_conns", 100)
	v.SetDefault("recorder.max_idle_conns_per_host", 20)
	v.SetDefault("recorder.idle_conn_timeout", 90)
	v.SetDefault("recorder.response_header_timeout", 120)
	v.SetDefault("recorder.tls_handshake_timeout", 10)
	v.SetDefault("recorder.header_blacklist", []string{
		"host",
		"connection",
		"keep-alive",
		"proxy-authenticate",
		"proxy-authorization",
		"te",
		"trailers",
		"transfer-encoding",
		"upgrade",
		"content-length",
		"accept-encoding",
	})

	// Log default configuration
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./reqreplay.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	// Output defaults
	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.max_value_chars", 200)
	v.SetDefault("output.redact_fields", []string{"access_token", "refresh_token", "password"})

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/reqreplay.db")
	v.SetDefault("storage.max_records", 100000)
	v.SetDefault("storage.retention", "0s")
	v.SetDefault("storage.record_runs", false)

	v.SetDefault("metrics.textfile", "")
}

// Normalize derives dependent settings. The functions URL defaults to
// <base_url>/functions/v1 and always ends with a slash.
func (c *Config) Normalize() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	functions := strings.TrimRight(strings.TrimSpace(c.Backend.FunctionsURL), "/")
	if functions == "" && c.Backend.BaseURL != "" {
		functions = c.Backend.BaseURL + "/functions/v1"
	}
	if functions != "" {
		functions += "/"
	}
	c.Backend.FunctionsURL = functions
	c.Identity.Provider = strings.ToLower(strings.TrimSpace(c.Identity.Provider))
	c.Output.Mode = strings.ToLower(strings.TrimSpace(c.Output.Mode))
}

// Validate checks settings shared by every command
func (c *Config) Validate() error {
	switch c.Output.Mode {
	case "console", "json":
	default:
		return fmt.Errorf("invalid output mode: %s (must be console or json)", c.Output.Mode)
	}
	if c.Output.MaxValueChars < 0 {
		return fmt.Errorf("output max value chars cannot be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable && c.Log.FileLogging.Path == "" {
		return fmt.Errorf("log file path cannot be empty when file logging is enabled")
	}

	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend timeout cannot be negative")
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	return nil
}

// ValidateReplay checks the settings needed to replay against a backend
func (c *Config) ValidateReplay() error {
	var missing []string
	if c.Backend.BaseURL == "" {
		missing = append(missing, "--base-url or SUPABASE_BASE_URL")
	}
	if c.Backend.APIKey == "" {
		missing = append(missing, "--api-key or SUPABASE_ANON_KEY")
	}
	if c.Identity.Provider == "static" && c.Identity.Token == "" {
		missing = append(missing, "identity.token")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}

	if err := validateURL(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if err := validateURL(c.Backend.FunctionsURL); err != nil {
		return fmt.Errorf("invalid functions url: %w", err)
	}
	switch c.Identity.Provider {
	case "anonymous", "static":
	default:
		return fmt.Errorf("unsupported identity provider: %s", c.Identity.Provider)
	}
	return nil
}

// ValidateRecorder checks the settings needed to run the recording proxy
func (c *Config) ValidateRecorder() error {
	if c.Backend.FunctionsURL == "" {
		return &ConfigurationError{Missing: []string{"--functions-url or SUPABASE_FUNCTIONS_URL"}}
	}
	if err := validateURL(c.Backend.FunctionsURL); err != nil {
		return fmt.Errorf("invalid functions url: %w", err)
	}
	if c.Recorder.Port < 1 || c.Recorder.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Recorder.Port)
	}
	if c.Recorder.MaxBodyBytes < 0 {
		return fmt.Errorf("recorder max body bytes cannot be negative")
	}
	if !strings.HasPrefix(c.Recorder.ControlPath, "/") || c.Recorder.ControlPath == "/" {
		return fmt.Errorf("recorder control path must start with '/' and cannot be root")
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// ConfigurationError lists required settings that are missing
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "Missing required configuration: " + strings.Join(e.Missing, ", ")
}

// ParseSwitch parses an on/off setting. Accepted values are 1/true/yes/y/on
// and 0/false/no/n/off in any case; empty means off.
func ParseSwitch(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "no", "n", "off":
		return false, nil
	case "1", "true", "yes", "y", "on":
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", raw)
	}
}
