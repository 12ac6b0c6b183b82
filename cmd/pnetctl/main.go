package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Zereker/pnet"
)

var (
	// Global flags
	cfgFile  string
	logLevel string
	host     string
	port     int

	// Shared state set during PersistentPreRun
	cfg    config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pnetctl",
	Short: "Packet messaging CLI - run an echo server, send packets and measure throughput",
	Long: `pnetctl drives the pnet packet protocol from the command line.
It can run an echo server with Prometheus metrics, send a single packet
through an auto-reconnecting client and benchmark a server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = initLogger(logLevel)
		if err != nil {
			return err
		}

		cfg, err = loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if cmd.Flags().Changed("host") {
			cfg.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		return nil
	},
}

// initLogger writes human readable logs to stderr.
func initLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	l := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "pnetctl").Logger()
	log.Logger = l
	return l, nil
}

// pnetLogger adapts the command logger for the library.
func pnetLogger() pnet.Logger {
	return pnet.NewZerologLogger(logger)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "host to connect to or bind")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "port to connect to or listen on")

	rootCmd.AddCommand(serveCmd, sendCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
