package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rtu",
	Short: "Telemetry RTU firmware",
	Long: `rtu runs the remote telemetry unit: sensor acquisition, the modem job
queue, the precipitation store and the local data logger. Settings come from
the environment (APP_ENV, RTU_CONFIG, RTU_DATA_DIR, ...).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
