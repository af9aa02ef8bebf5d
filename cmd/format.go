package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"chaindb/clientdb"
	"chaindb/config"
	"chaindb/logx"
	"chaindb/pagedb"
)

var (
	formatConfigPath string
	formatEnginePath string
	formatForce      bool
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Initialize an empty database on the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return formatDatabase()
	},
}

func init() {
	rootCmd.AddCommand(formatCmd)

	formatCmd.Flags().StringVar(&formatConfigPath, "config", "config/chaindb.yml", "Path to database configuration file")
	formatCmd.Flags().StringVar(&formatEnginePath, "engine-config", "", "Path to engine tuning INI file (optional)")
	formatCmd.Flags().BoolVar(&formatForce, "force", false, "Reinitialize even if already formatted")
}

func formatDatabase() error {
	cfg, err := config.LoadDatabaseConfig(formatConfigPath)
	if err != nil {
		return err
	}
	engine, err := config.LoadEngineConfig(formatEnginePath)
	if err != nil {
		return err
	}
	backend, err := pagedb.OpenBackend(&cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Close()

	opts := pagedb.FormatOptions{Force: formatForce, PageGroupPages: engine.PageGroupPages}
	if err := clientdb.Format(backend, opts); err != nil {
		return fmt.Errorf("format %s backend: %w", cfg.Backend.Type, err)
	}
	logx.Info("CMD", fmt.Sprintf("formatted %s backend at %q", cfg.Backend.Type, cfg.Backend.Path))
	return nil
}
