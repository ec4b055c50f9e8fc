package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-batch/internal/api"
	"go-civitai-batch/internal/config"
)

// Exit codes of the batch commands.
const (
	ExitOK            = 0
	ExitWithFailures  = 1
	ExitFatal         = 2
	ExitEmergencyStop = 3
)

// exitError carries a specific process exit code up through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var (
	cfgFile      string
	logLevel     string
	logFormat    string
	logApiFlag   bool
	savePathFlag string

	// globalConfig holds the loaded configuration.
	globalConfig config.Config

	// globalHttpTransport is the shared transport, wrapped for API logging
	// when enabled.
	globalHttpTransport http.RoundTripper
)

var rootCmd = &cobra.Command{
	Use:   "civitai-batch",
	Short: "Bulk downloader for Civitai models and images",
	Long: `civitai-batch resolves users and model ids into a durable task queue,
then drains it through rate-governed pipelines: model metadata and files,
version previews, model galleries, and user-posted images. Interrupted
runs resume where they stopped.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute runs the root command and maps errors to exit codes.
func Execute() {
	defer closeLoggingTransport()

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			closeLoggingTransport()
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		closeLoggingTransport()
		os.Exit(ExitFatal)
	}
}

func closeLoggingTransport() {
	if lt, ok := globalHttpTransport.(*api.LoggingTransport); ok && lt != nil {
		if err := lt.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
		globalHttpTransport = nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text or json)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Output root directory (overrides config)")
}

// loadGlobalConfig loads the configuration, applies flag overrides and
// sets up logging and the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
	}
	if cmd.Flags().Changed("save-path") && savePathFlag != "" {
		globalConfig.OutputRoot = savePathFlag
	}

	globalHttpTransport = nil
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(globalConfig.OutputRoot); statErr == nil {
			logFilePath = filepath.Join(globalConfig.OutputRoot, logFilePath)
		}
		lt, ltErr := api.NewLoggingTransport(nil, logFilePath)
		if ltErr != nil {
			log.WithError(ltErr).Error("Failed to initialize API logging transport, logging disabled")
		} else {
			log.Infof("API logging to file: %s", logFilePath)
			globalHttpTransport = lt
		}
	}
	return nil
}

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
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
