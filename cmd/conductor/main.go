package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/log"
)

// conductorVersion is set via -ldflags at build time.
var conductorVersion = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - a single-cluster batch job scheduler and executor",
	Long: `conductor accepts batch job submissions, schedules them against the
CPU capacity advertised by live workers (or a configured fallback when none
are registered) using FIFO-with-first-fit, and supervises each job as a
standalone OS process until it exits.`,
	Version: conductorVersion,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a .properties configuration file (env vars always override)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
