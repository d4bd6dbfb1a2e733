package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	writeConfig string
	checkConfig bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration as YAML.

Configuration locations, first match wins:
  --config flag
  $FACEGATE_CONFIG
  /etc/facegate/facegate.yaml
  ~/.config/facegate/facegate.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkConfig {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			fmt.Println("Configuration is valid.")
			return nil
		}

		if writeConfig != "" {
			if err := cfg.Save(writeConfig); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", writeConfig)
			return nil
		}

		shown := *cfg
		if shown.MQTT.Password != "" {
			shown.MQTT.Password = "********"
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(&shown)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("FaceGate v%s\n", Version)
		fmt.Println("Face identity verification engine for kiosks")
	},
}

func init() {
	configCmd.Flags().StringVar(&writeConfig, "write", "", "Write the effective configuration to this file")
	configCmd.Flags().BoolVar(&checkConfig, "check", false, "Only validate the configuration")
	rootCmd.AddCommand(configCmd, versionCmd)
}
