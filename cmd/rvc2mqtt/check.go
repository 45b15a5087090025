// cmd/rvc2mqtt/check.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
)

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and model mapping tables",
	Long: `Load the config and the model mapping tables (embedded tables merged
with mapping.file) and report the first problem found.

Exit codes:
  0 - config and tables are valid
  1 - a problem was found`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db := rvc.DefaultDatabase()
	tables, err := mapping.Load(cfg.Mapping.File, db, translate.Transforms)
	if err != nil {
		return err
	}
	if _, err := tables.Model(bridgeConfig(cfg).VirtualModel); err != nil {
		return fmt.Errorf("arbitration.virtual_model: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: prefix=%s backend=%s can=%s models=%d\n",
		cfg.Bridge.TopicPrefix, cfg.Bus.Backend, canTarget(cfg.CAN.Interface, cfg.CAN.Simulate), len(tables.Models))
	if m := cfg.StatusMirror; m != nil {
		fmt.Fprintf(out, "status mirror: %s %s unit=%d devices=%d\n", m.Protocol, m.Endpoint, m.UnitID, len(m.Devices))
	}
	return nil
}

func canTarget(iface string, sim bool) string {
	if sim {
		return "simulated"
	}
	return iface
}
