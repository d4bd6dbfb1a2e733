package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/facegate/pkg/config"
	"github.com/MrCodeEU/facegate/pkg/logging"
)

// Version is the application version.
const Version = "0.2.0"

var (
	cfg        *config.Config
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "facegate",
	Short:         "Face identity verification engine for kiosks",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configFile != "" {
			cfg, err = config.Load(configFile)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			if configFile != "" {
				return fmt.Errorf("could not load config: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
			cfg = config.DefaultConfig()
		}

		// Expand paths in config
		cfg.ExpandPaths()

		// Initialize logging
		logLevel := cfg.Logging.Level
		if debug {
			logLevel = "debug"
		}
		if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
		}
		logging.SetFormat(cfg.Logging.Format)

		logging.Debugf("FaceGate v%s starting", Version)
		logging.Debugf("Config loaded, storage backend: %s", cfg.Storage.Backend)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file (default: $"+config.EnvConfigPath+", "+config.SystemConfigPath+", ~/.config/facegate/facegate.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.SetVersionTemplate(`{{printf "FaceGate v%s\n" .Version}}`)
}

func main() {
	// Cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.WithError(err).Debug("Command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
