package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/funnyzak/reqreplay/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errStepsFailed makes the process exit non-zero without an extra message;
// the report already explains what failed.
var errStepsFailed = errors.New("one or more steps failed")

var rootCmd = &cobra.Command{
	Use:   "reqreplay",
	Short: "Record and replay regression testing for HTTP backends",
	Long: `ReqReplay records real client sessions against a backend through a recording proxy,
captures them as anonymized artifacts and replays them later against a fresh account,
comparing every response with fuzzy, policy driven matching.
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   showVersion,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "Enable file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "Log file path")
	rootCmd.PersistentFlags().Int("log-file-max-size", 0, "Maximum size of a single log file (MB)")
	rootCmd.PersistentFlags().Int("log-file-max-backups", 0, "Maximum number of old log files to retain")
	rootCmd.PersistentFlags().Int("log-file-max-age", 0, "Maximum retention days for old log files")
	rootCmd.PersistentFlags().Bool("log-file-compress", false, "Whether to compress old log files")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Report format (console, json)")
	rootCmd.PersistentFlags().Bool("silence", false, "Only print steps that failed or produced warnings")
	rootCmd.PersistentFlags().String("base-url", "", "Backend base URL (env SUPABASE_BASE_URL)")
	rootCmd.PersistentFlags().String("api-key", "", "Backend API key (env SUPABASE_ANON_KEY)")
	rootCmd.PersistentFlags().String("functions-url", "", "Functions base URL, defaults to <base-url>/functions/v1")
	rootCmd.PersistentFlags().String("storage-path", "", "SQLite database holding recorded sessions and run history")

	bindFlags(rootCmd)

	rootCmd.AddCommand(versionCmd, replayCmd, recordCmd, captureCmd, sessionsCmd)
}

// globalFlagKeys maps persistent flags onto config keys. viper only lets a
// bound flag win when it was set on the command line.
var globalFlagKeys = map[string]string{
	"log-level":            "log.level",
	"log-file-enable":      "log.file_logging.enable",
	"log-file-path":        "log.file_logging.path",
	"log-file-max-size":    "log.file_logging.max_size_mb",
	"log-file-max-backups": "log.file_logging.max_backups",
	"log-file-max-age":     "log.file_logging.max_age_days",
	"log-file-compress":    "log.file_logging.compress",
	"output":               "output.mode",
	"silence":              "output.silence",
	"base-url":             "backend.base_url",
	"api-key":              "backend.api_key",
	"functions-url":        "backend.functions_url",
	"storage-path":         "storage.path",
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	for name, key := range globalFlagKeys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// loadConfig reads file, environment and command line settings, in
// increasing priority, into a validated Config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// httpClient builds the client used for replayed requests and identity calls
func httpClient(cfg *config.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Backend.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   time.Duration(cfg.Backend.Timeout) * time.Second,
		Transport: transport,
	}
}

func showVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ReqReplay version %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Built: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errStepsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
