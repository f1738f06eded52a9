package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "storepulse",
	Short:         "App-store analytics assistant with per-feature conversation threads",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(featureCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(analysesCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
}
