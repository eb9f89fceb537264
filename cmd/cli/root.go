// Package cli provides the command-line interface for the subsonic client.
// It implements the Cobra-based command tree for starting scans against a
// subsonic server, running recurring scans and managing configuration.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/subsonic/internal/config"
	"github.com/anstrom/subsonic/internal/logging"
)

const (
	envPrefix         = "SUBSONIC"
	defaultConfigFile = "config.yaml"
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
	Use:   "subsonic",
	Short: "Client for the subsonic subdomain scanner",
	Long: `subsonic drives subdomain scans on a subsonic server over a persistent
WebSocket connection. The connection is re-established automatically whenever
it drops, and results stream in while the scan runs.`,
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

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("server", "", "scan server base URL (http, https, ws or wss)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")

	bindRootFlags()
}

// bindRootFlags ties the global flags to their configuration keys.
func bindRootFlags() {
	bindFlag(rootCmd, "server", "server.url")
	bindFlag(rootCmd, "log-level", "logging.level")
	bindFlag(rootCmd, "log-format", "logging.format")
}

// bindFlag ties a persistent flag to a configuration key.
func bindFlag(cmd *cobra.Command, flag, key string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match, e.g. SUBSONIC_SERVER_URL
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	// Initialize structured logging after config is loaded
	initLogging()
}

// getConfigFilePath returns the config file in use, or the default location.
func getConfigFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return defaultConfigFile
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

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		// If config loading fails, use default logging; the command reports the error.
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.GetLogOutput(),
		AddSource: cfg.Logging.Level == "debug",
	}
	if verbose && cfg.Logging.Level == "info" {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		// Fall back to default if creation fails
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}

	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}

// loadConfig builds the effective configuration. Precedence from lowest to
// highest: built-in defaults, the config file, SUBSONIC_* environment
// variables, command-line flags.
func loadConfig() (*config.Config, error) {
	path := ""
	if used := viper.ConfigFileUsed(); used != "" {
		path = used
	} else if cfgFile != "" {
		path = cfgFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every key set through the environment or a flag onto cfg.
func applyOverrides(cfg *config.Config) {
	overrideString("server.url", &cfg.Server.URL)
	overrideString("server.path", &cfg.Server.Path)
	overrideDuration("server.reconnect_delay", &cfg.Server.ReconnectDelay)
	overrideDuration("server.handshake_timeout", &cfg.Server.HandshakeTimeout)
	overrideDuration("server.write_timeout", &cfg.Server.WriteTimeout)

	overrideInt("scan.concurrency", &cfg.Scan.Concurrency)
	overrideBool("scan.adaptive", &cfg.Scan.Adaptive)
	overrideInt("scan.max_qps", &cfg.Scan.MaxQPS)
	overrideBool("scan.enable_retry", &cfg.Scan.EnableRetry)
	overrideString("scan.wordlist_key", &cfg.Scan.WordlistKey)
	overrideStrings("scan.dns_servers", &cfg.Scan.DNSServers)
	overrideString("scan.starting_message", &cfg.Scan.StartingMessage)

	overrideString("logging.level", &cfg.Logging.Level)
	overrideString("logging.format", &cfg.Logging.Format)
	overrideString("logging.output", &cfg.Logging.Output)

	overrideBool("metrics.enabled", &cfg.Metrics.Enabled)
	overrideString("metrics.listen_addr", &cfg.Metrics.ListenAddr)
}
