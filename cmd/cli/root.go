// Package cli provides the command-line interface for scanqueue.
// It implements the Cobra command tree: the daemon entry point and the
// client commands that submit, inspect and control scan tasks over the
// REST API.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/logging"
)

const (
	envPrefix       = "SCANQUEUE"
	defaultAPIPort  = 8080
	defaultAPIHost  = "127.0.0.1"
	outputTable     = "table"
	outputJSON      = "json"
	defaultCfgFile  = "config.yaml"
	defaultLogLevel = "warn"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanqueue",
	Short: "Vulnerability scan task orchestrator",
	Long: `scanqueue accepts vulnerability scan requests, queues them, dispatches
them to a pool of scanner backends and tracks every task through its
lifecycle. Run "scanqueue serve" for the daemon; the remaining commands
talk to a running daemon over its REST API.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.String("server", "", "API base URL (default derived from the config api section)")
	flags.String("api-key", "", "API key (or SCANQUEUE_API_KEY / SCANQUEUE_API_KEY_FILE)")
	flags.StringP("output", "o", outputTable, "output format: table or json")

	bindFlags()
}

// bindFlags exposes the global flags to viper so flag, environment and
// config file values resolve through one lookup.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	bindings := map[string]string{
		"verbose": "verbose",
		"server":  "server",
		"api_key": "api-key",
		"output":  "output",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// SCANQUEUE_API_PORT overrides api.port, SCANQUEUE_API_KEY the key.
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setConfigDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	initLogging()
}

// setConfigDefaults sets the defaults the client commands read through viper.
func setConfigDefaults() {
	viper.SetDefault("api.listen_addr", defaultAPIHost)
	viper.SetDefault("api.port", defaultAPIPort)
	viper.SetDefault("api.tls.enabled", false)

	viper.SetDefault("logging.level", defaultLogLevel)
	viper.SetDefault("logging.format", string(logging.FormatText))
}

// configFilePath returns the file the daemon configuration is loaded from.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	if cfgFile != "" {
		return cfgFile
	}
	return defaultCfgFile
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging sets up the CLI logger. Client commands print results on
// stdout, so their logs go to stderr; serve reconfigures logging from
// the full daemon config.
func initLogging() {
	logConfig := logging.Config{
		Level:  logging.LogLevel(viper.GetString("logging.level")),
		Format: logging.LogFormat(viper.GetString("logging.format")),
		Output: "stderr",
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
	}
	logging.SetDefault(logger)
	if err != nil {
		logging.Warn("Failed to initialize logging, using defaults", "error", err)
	}

	if verbose {
		logging.Debug("Structured logging initialized", "level", logConfig.Level, "server", serverURL())
	}
}

// loadConfig loads and validates the daemon configuration file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
