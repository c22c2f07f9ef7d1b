package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvadi/kvemu/internal/config"
	"github.com/kvadi/kvemu/internal/keymap"
	"github.com/kvadi/kvemu/internal/latency"
	"github.com/kvadi/kvemu/pkg/kv/emulator"
	"github.com/kvadi/kvemu/pkg/log"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "kvemu",
	Short:         "Emulated key-value device storage core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		level, err := log.ParseLogLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		loggerType := log.ConsoleLogger
		if cfg.Log.Format == "json" {
			loggerType = log.JSONLogger
		}
		log.Init(log.Options{LogLevel: level, Type: loggerType})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	rootCmd.AddCommand(benchCmd)
}

// newDevice builds an emulator from the loaded config.
func newDevice() (*emulator.Emulator, error) {
	var backend keymap.Map
	if cfg.Device.Backend == config.BackendPebble {
		var err error
		backend, err = keymap.NewPebble()
		if err != nil {
			return nil, err
		}
	}

	var model *latency.Model
	var offset *latency.QueueOffset
	if cfg.Latency.Enabled {
		model = latency.NewModel(cfg.Latency.Coefficients)
		offset = &latency.QueueOffset{}
		offset.Set(time.Duration(cfg.Latency.QueueOffsetNS))
	}

	return emulator.New(emulator.Config{
		Capacity:     cfg.Device.Capacity,
		MaxIterators: cfg.Device.MaxIterators,
		Backend:      backend,
		Latency:      model,
		QueueOffset:  offset,
		Logger:       &log.Device,
	}), nil
}
