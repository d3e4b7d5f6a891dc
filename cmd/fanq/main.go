package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/fanq/internal/config"
	"github.com/oriys/fanq/internal/logging"
)

var version = "0.2.0"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fanq",
		Short: "fanq - distributed message queue broker cluster",
		Long:  "A message queue broker cluster with a liveness-probing load balancer and per-consumer cursors",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides)")

	rootCmd.AddCommand(
		brokerCmd(),
		balancerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves defaults, the optional config file, and env overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.InitStructured(cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fanq version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fanq %s\n", version)
		},
	}
}
