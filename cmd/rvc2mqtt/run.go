// cmd/rvc2mqtt/run.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/rvc2mqtt/internal/bridge"
	"github.com/tamzrod/rvc2mqtt/internal/logger"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/socketcan"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
	"github.com/tamzrod/rvc2mqtt/internal/writer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// network is an rvc.Network the process owns.
type network interface {
	rvc.Network
	Close() error
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	log := logger.WithComponent("main")

	// --------------------
	// Protocol model
	// --------------------

	db := rvc.DefaultDatabase()
	tables, err := mapping.Load(cfg.Mapping.File, db, translate.Transforms)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// --------------------
	// RV-C network
	// --------------------

	var net network
	if cfg.CAN.Simulate {
		sim, runSim := simNetwork(db, logger.WithComponent("rvcsim"))
		net = sim
		g.Go(func() error { return runSim(gctx) })
		log.Warn().Msg("running against a simulated RV-C network")
	} else {
		can, err := socketcan.Open(socketcanConfig(cfg), db, logger.WithComponent("socketcan"))
		if err != nil {
			return err
		}
		net = can
		g.Go(func() error { return can.Run(gctx) })
	}
	defer net.Close()

	// --------------------
	// Bus
	// --------------------

	b, err := openBus(cfg, logger.WithComponent("bus"))
	if err != nil {
		return fmt.Errorf("bus connect failed: %w", err)
	}
	defer b.Close()

	br, err := bridge.New(bridgeConfig(cfg), net, b, tables, m, logger.WithComponent("bridge"))
	if err != nil {
		return err
	}
	g.Go(func() error { return br.Run(gctx) })

	// --------------------
	// Optional surfaces
	// --------------------

	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, reg, logger.WithComponent("metrics"))
		})
	}

	if cfg.StatusMirror != nil {
		mirror, closeMirror, err := writer.Build(*cfg.StatusMirror, br, logger.WithComponent("status_mirror"))
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("status mirror failed: %w", err)
		}
		defer closeMirror()
		g.Go(func() error { return mirror.Run(gctx) })
	}

	log.Info().
		Str("version", version).
		Str("prefix", cfg.Bridge.TopicPrefix).
		Str("backend", cfg.Bus.Backend).
		Str("can", canTarget(cfg.CAN.Interface, cfg.CAN.Simulate)).
		Msg("rvc2mqtt started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("bridge stopped")
		return err
	}
	log.Info().Msg("rvc2mqtt stopped")
	return nil
}
