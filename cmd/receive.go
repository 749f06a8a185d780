package cmd

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/files"
	"github.com/NoelleStern/Tappi-share/internal/history"
	"github.com/NoelleStern/Tappi-share/internal/negotiator"
	"github.com/NoelleStern/Tappi-share/internal/transfer"
	"github.com/NoelleStern/Tappi-share/internal/ui"
	"github.com/NoelleStern/Tappi-share/internal/utils"
)

var (
	receiveFlags sessionFlags

	flagReceiverDir string
	flagReceiverZip bool
	flagReceiverYes bool
)

var receiveCmd = &cobra.Command{
	Use:     "receive",
	Aliases: []string{"r"},
	Short:   "Receive files from a peer",
	Long: `Receive files directly from a sender.

Examples:
  tappi receive --name quiet-otter
  tappi receive --peer sender --out ~/Downloads --yes
  tappi receive --signal manual --zip`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return receiveFiles(cmd)
	},
}

func receiveFiles(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := receiveFlags.config()
	if err != nil {
		return err
	}

	outputDir, tempDir, err := prepareOutput(flagReceiverZip, flagReceiverDir)
	if err != nil {
		return err
	}
	if tempDir != "" {
		defer os.RemoveAll(tempDir)
	}

	ch, err := receiveFlags.connect(ctx, cfg, negotiator.Responder)
	if err != nil {
		return err
	}

	tr, err := transfer.Receive(ctx, ch, transfer.ReceiveOptions{
		OutputDir: outputDir,
		Accept:    consent,
	})
	if errors.Is(err, transfer.ErrTransferDeclined) {
		ui.PrintWarning("Transfer declined")
		return nil
	}
	if err != nil {
		return err
	}

	if err := ui.RunProgress(ui.ModeReceive, tr); err != nil {
		logrus.WithError(err).Debug("Progress view stopped")
	}

	res := tr.Wait()
	receiveFlags.record(cfg, history.DirectionReceive, tr.Manifest(), res)

	if flagReceiverZip && len(res.FailedFiles()) < len(res.Files) {
		if err := zipReceived(outputDir, flagReceiverDir); err != nil {
			return err
		}
	}
	return finish(res)
}

// consent shows the offered manifest and asks the user, unless --yes was
// given or stdin belongs to the copy/paste link.
func consent(m *transfer.Manifest) bool {
	items := make([]ui.FileTableItem, len(m.Entries))
	for i, e := range m.Entries {
		typ := mime.TypeByExtension(path.Ext(e.Path))
		switch {
		case e.Dir:
			typ = files.DirType
		case typ == "":
			typ = "application/octet-stream"
		}
		items[i] = ui.FileTableItem{Index: i + 1, Name: e.Path, Size: e.Size, Type: typ}
	}
	fmt.Fprintln(os.Stderr)
	ui.RenderFileTable(items)

	if flagReceiverYes || receiveFlags.signal == SignalManual {
		return true
	}
	return ui.PromptConsent(os.Stdin)
}

// prepareOutput returns the directory files are written to. In zip mode that
// is a fresh directory inside a temp dir, which is also returned for cleanup.
func prepareOutput(zipMode bool, outputDir string) (string, string, error) {
	if outputDir == "" {
		outputDir = "."
	}
	if !zipMode {
		return outputDir, "", nil
	}

	tempDir, err := os.MkdirTemp("", "tappi-receive-*")
	if err != nil {
		return "", "", transfer.NewError("create temp dir", err)
	}
	staging := filepath.Join(tempDir, fmt.Sprintf("tappi-%d", time.Now().UnixMilli()))
	if err := os.Mkdir(staging, 0o755); err != nil {
		os.RemoveAll(tempDir)
		return "", "", transfer.NewError("create temp dir", err)
	}
	return staging, tempDir, nil
}

func zipReceived(staging, outputDir string) error {
	if outputDir == "" {
		outputDir = "."
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return transfer.NewError("create output dir", err)
	}
	zipName := utils.GetUniqueFilename(filepath.Join(outputDir, filepath.Base(staging)+".zip"))

	fmt.Fprintln(os.Stderr)
	s := ui.NewWaitingSpinner("Zipping files...")
	s.Start()
	if err := utils.ZipDirectory(staging, zipName); err != nil {
		s.Error("Zipping failed")
		return transfer.NewError("zip files", err)
	}
	s.Success(fmt.Sprintf("Files zipped to %s", zipName))
	return nil
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveFlags.register(receiveCmd)

	receiveCmd.Flags().StringVarP(&flagReceiverDir, "out", "o", ".", "Directory to save received files")
	receiveCmd.Flags().BoolVarP(&flagReceiverZip, "zip", "z", false, "Zip received files")
	receiveCmd.Flags().BoolVarP(&flagReceiverYes, "yes", "y", false, "Accept files without asking")
}
