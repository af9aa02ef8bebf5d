package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"chaindb/logx"
)

var rootCmd = &cobra.Command{
	Use:   "chaindb",
	Short: "Fork-aware client block database CLI",
	Long:  "Command line interface for formatting and inspecting a chaindb block database.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error("CMD", "Command execution failed:", err)
		os.Exit(1)
	}
}
