package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rtucode-go/app"
	"rtucode-go/services/config"
	"rtucode-go/services/precip"
)

var precipCmd = &cobra.Command{
	Use:   "precip",
	Short: "Inspect or reset the precipitation store",
	Long:  `Operate on the precipitation index while the device is stopped.`,
}

var precipDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every bucket as JSON",
	RunE:  runPrecipDump,
}

var precipZeroCmd = &cobra.Command{
	Use:   "zero",
	Short: "Delete every bucket and reset the running total",
	RunE:  runPrecipZero,
}

var precipYes bool

func init() {
	rootCmd.AddCommand(precipCmd)
	precipCmd.AddCommand(precipDumpCmd)
	precipCmd.AddCommand(precipZeroCmd)
	precipZeroCmd.Flags().BoolVarP(&precipYes, "yes", "y", false, "do not ask for confirmation")
}

func openPrecip() (*precip.Store, string, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, "", err
	}
	path := app.PrecipPath(env)
	idx, err := precip.OpenSQLite(path, nil)
	if err != nil {
		return nil, path, fmt.Errorf("open %s: %w", path, err)
	}
	s := precip.New(idx)
	if err := s.Reload(); err != nil {
		_ = s.Close()
		return nil, path, err
	}
	return s, path, nil
}

func runPrecipDump(cmd *cobra.Command, args []string) error {
	s, _, err := openPrecip()
	if err != nil {
		return err
	}
	defer s.Close()
	buckets, err := s.Dump()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"total": s.Total(), "buckets": buckets})
}

func runPrecipZero(cmd *cobra.Command, args []string) error {
	s, path, err := openPrecip()
	if err != nil {
		return err
	}
	defer s.Close()
	if !precipYes {
		fmt.Fprintf(cmd.OutOrStdout(), "Zero %s (total %d)? [y/N]: ", path, s.Total())
		var answer string
		_, _ = fmt.Fscanln(os.Stdin, &answer)
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			return nil
		}
	}
	if err := s.Zero(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "zeroed %s\n", path)
	return nil
}
