package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/config"
	"github.com/NoelleStern/Tappi-share/internal/history"
	"github.com/NoelleStern/Tappi-share/internal/ui"
)

var (
	flagHistoryLimit int
	flagHistoryDB    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently transferred files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{HistoryPath: flagHistoryDB})
		if err != nil {
			return err
		}
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.Recent(flagHistoryLimit)
		if err != nil {
			return err
		}
		ui.RenderHistory(os.Stdout, records)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "l", 20, "Number of records to show")
	historyCmd.Flags().StringVar(&flagHistoryDB, "db", "", "History database path")
}
