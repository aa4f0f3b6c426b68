package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	supervisorAddr string
	configFile     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "Cortexnode model-serving worker",
		Long:  "Run the per-node model-serving worker (launch, recovery, health, registration) via the daemon command",
	}

	rootCmd.PersistentFlags().StringVar(&supervisorAddr, "supervisor-addr", "", "Supervisor gRPC address")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
