package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"rtucode-go/app"
	"rtucode-go/services/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the firmware version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), app.Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and print the device configuration",
	Long:  `Load RTU_CONFIG (or the embedded default for RTU_BOARD), validate it and print the result.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	cfg, err := config.LoadDevice(env.ConfigPath, env.Board)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
