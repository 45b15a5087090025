// cmd/rvc2mqtt/root.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tamzrod/rvc2mqtt/internal/config"
)

var (
	version = "dev"

	configPath string
	logLevel   string
	simulate   bool
)

var rootCmd = &cobra.Command{
	Use:   "rvc2mqtt",
	Short: "RV-C to MQTT bridge",
	Long: `rvc2mqtt discovers devices on an RV-C (CAN) network, publishes their
state under <prefix>/sts/<device>/<param> and turns messages on
<prefix>/cmd, <prefix>/sub and <prefix>/unsub into commands and
subscription changes.

Examples:
  rvc2mqtt run --config /etc/rvc2mqtt.yaml
  rvc2mqtt run --simulate --log-level debug
  rvc2mqtt check-config --config /etc/rvc2mqtt.yaml`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Run against an in-memory RV-C network instead of CAN")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file if one was given, applies flag
// overrides, then validates and normalizes.
func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if simulate {
		cfg.CAN.Simulate = true
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	config.Normalize(cfg)
	return cfg, nil
}
