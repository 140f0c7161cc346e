package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "memprobe",
	Short: "Experience memory with poisoned-retrieval evaluation",
	Long: `memprobe stores task experiences, retrieves them by similarity, and
measures how much known injection content the retrieval surface exposes.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
