package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rtucode-go/app"
	"rtucode-go/services/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device",
	Long:  `Boot the board and run until interrupted. Soft restarts reboot in-process.`,
	RunE:  runDevice,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx, env)
}
