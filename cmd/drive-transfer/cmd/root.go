package cmd

import (
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-drive-transfer/internal/config"
	"go-drive-transfer/internal/models"
	"go-drive-transfer/internal/remote"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// userFlag holds the value of the --user flag
var userFlag string

// Persistent logging flags
var logLevel string
var logFormat string // "text" or "json"

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drive-transfer",
	Short: "Queue and run offline downloads of drive files, folders and albums",
	Long: `drive-transfer keeps a durable queue of file downloads for a user,
expands folders and albums into their files and runs the queue on a bounded
number of pipelines, retrying failures and honouring the allowed networks.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	defer closeTransport()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func closeTransport() {
	if loggingTransport, ok := globalHttpTransport.(*remote.LoggingTransport); ok && loggingTransport != nil {
		log.Debug("Closing API logging transport file.")
		if err := loggingTransport.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
	globalHttpTransport = nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User the queue belongs to (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API HTTP client in seconds (overrides config, -1 uses config default)")
}

// initLogging configures logrus from the persistent flags.
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets up the
// HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("user") && userFlag != "" {
		globalConfig.UserID = userFlag
		log.Debugf("Overriding UserID based on --user flag: %s", userFlag)
	}
	if globalConfig.UserID == "" {
		return fmt.Errorf("no user configured, set UserID in %s or pass --user", cfgFile)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
			log.Debugf("Overriding ApiClientTimeoutSec based on --api-timeout flag: %d sec", apiTimeoutFlag)
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	closeTransport()
	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		log.Infof("API logging to file: %s", logFilePath)
		loggingTransport, err := remote.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}
