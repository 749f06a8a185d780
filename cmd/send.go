package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/files"
	"github.com/NoelleStern/Tappi-share/internal/history"
	"github.com/NoelleStern/Tappi-share/internal/negotiator"
	"github.com/NoelleStern/Tappi-share/internal/transfer"
	"github.com/NoelleStern/Tappi-share/internal/ui"
)

var (
	sendFlags       sessionFlags
	flagIgnoreEmpty bool
)

var sendCmd = &cobra.Command{
	Use:     "send <path>...",
	Aliases: []string{"s"},
	Short:   "Send files or directories to a peer",
	Long: `Send files directly to a receiver. Directories are sent recursively.

Examples:
  tappi send --peer quiet-otter notes.txt photos/
  tappi send --signal broker --name me --peer you report.pdf
  tappi send --signal manual --secret hunter2 file.bin`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendFiles(cmd, args)
	},
}

func sendFiles(cmd *cobra.Command, paths []string) error {
	ctx := cmd.Context()
	cfg, err := sendFlags.config()
	if err != nil {
		return err
	}

	stopSpinner := ui.RunSpinner("Hashing files...")
	m, infos, err := files.BuildManifest(paths, files.Options{ChunkSize: cfg.ChunkSize, IgnoreEmpty: flagIgnoreEmpty})
	stopSpinner()
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"entries": len(infos), "bytes": files.GetTotalSize(infos)}).Debug("Manifest built")
	displayFileTable(infos)

	ch, err := sendFlags.connect(ctx, cfg, negotiator.Initiator)
	if err != nil {
		return err
	}

	ui.PrintInfo("Waiting for the receiver to accept...")
	tr := transfer.Send(ctx, ch, m, transfer.SendOptions{})
	if err := ui.RunProgress(ui.ModeSend, tr); err != nil {
		logrus.WithError(err).Debug("Progress view stopped")
	}

	res := tr.Wait()
	sendFlags.record(cfg, history.DirectionSend, m, res)
	return finish(res)
}

func displayFileTable(infos []files.FileInfo) {
	items := make([]ui.FileTableItem, len(infos))
	for i, f := range infos {
		items[i] = ui.FileTableItem{Index: i + 1, Name: f.Path, Size: f.Size, Type: f.Type}
	}
	fmt.Fprintln(os.Stderr)
	ui.RenderFileTable(items)
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendFlags.register(sendCmd)
	sendCmd.Flags().BoolVar(&flagIgnoreEmpty, "ignore-empty", false, "Leave empty directories out")
}
