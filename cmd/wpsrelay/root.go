package main

import (
	"fmt"
	"os"

	"github.com/rsclarke/wpsrelay/internal/config"
	"github.com/rsclarke/wpsrelay/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "wpsrelay",
	Short: "Relay Web PubSub hub traffic to a local event handler",
	Long: `wpsrelay connects to a Web PubSub service over its tunnel control
channel and forwards the hub's client events to an event handler running
on this machine, so the handler can be developed without a public endpoint.

Every exchange is recorded and can be inspected through the dashboard API
or the status, connections and history commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return err
		}
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
