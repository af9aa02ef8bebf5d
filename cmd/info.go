package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"chaindb/block"
	"chaindb/clientdb"
	"chaindb/config"
	"chaindb/jsonx"
	"chaindb/pagedb"
)

var (
	infoConfigPath string
	infoEnginePath string
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Open the database, replay it, and print chain info",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printInfo(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringVar(&infoConfigPath, "config", "config/chaindb.yml", "Path to database configuration file")
	infoCmd.Flags().StringVar(&infoEnginePath, "engine-config", "", "Path to engine tuning INI file (optional)")
}

type chainInfoOutput struct {
	BestNumber   uint64   `json:"best_number"`
	BestRoot     string   `json:"best_root"`
	ParentRoot   string   `json:"parent_root"`
	ForkTips     int      `json:"fork_tips"`
	TipNumbers   []uint64 `json:"tip_numbers"`
	BestTimeUnix int64    `json:"best_time_unix"`
}

func printInfo(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadDatabaseConfig(infoConfigPath)
	if err != nil {
		return err
	}
	engine, err := config.LoadEngineConfig(infoEnginePath)
	if err != nil {
		return err
	}
	backend, err := pagedb.OpenBackend(&cfg.Backend)
	if err != nil {
		return err
	}

	genesis := block.Genesis(cfg.Genesis.Timestamp)
	db, err := clientdb.Open(ctx, config.ClientConfig(cfg, engine), backend, genesis, nil)
	if err != nil {
		backend.Close()
		return err
	}
	defer db.Close()

	best := db.BestHeader()
	tips := db.ForkTips()
	tipNumbers := make([]uint64, len(tips))
	for i, tip := range tips {
		tipNumbers[i] = uint64(tip.Number)
	}
	out := chainInfoOutput{
		BestNumber:   uint64(best.Number),
		BestRoot:     best.Root().String(),
		ParentRoot:   best.ParentRoot.String(),
		ForkTips:     len(tips),
		TipNumbers:   tipNumbers,
		BestTimeUnix: best.Timestamp,
	}
	raw, err := jsonx.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
