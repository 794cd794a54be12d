package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "casectl",
		Short:        "Operate the case surveillance pipeline",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to the configuration file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(parkedCmd())
	rootCmd.AddCommand(pseudonymizeCmd())
	rootCmd.AddCommand(mappingsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
