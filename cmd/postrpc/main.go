package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"post-rpc/config"
	"post-rpc/logging"
)

type GlobalFlags struct {
	ConfigPath string // Optional TOML file
	LogLevel   string // Overrides log.level
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "postrpc",
	Short: "Request/response RPC over message-passing WebSockets",
	Long: `postrpc hosts and calls services over a fire-and-forget WebSocket transport.

  postrpc serve --config cmd/postrpc/ex.config.toml
  postrpc call --addr ws://127.0.0.1:8080/ Arith.Add '{"A":1,"B":2}'`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "TOML config file (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level: trace|debug|info|warn|error|disabled")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
}

// loadConfig reads the config file when given and installs the global logger.
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if globalFlags.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(globalFlags.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	logging.ApplyEnv(&cfg.Log)
	if globalFlags.LogLevel != "" {
		level, ok := logging.ParseLevel(globalFlags.LogLevel)
		if !ok {
			return config.Config{}, fmt.Errorf("unknown log level %q", globalFlags.LogLevel)
		}
		cfg.Log.Level = level
	}
	cfg.Log.Out = os.Stderr
	log.Logger = logging.New(cfg.Log)
	return cfg, nil
}
