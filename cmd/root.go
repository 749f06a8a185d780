package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/ui"
	"github.com/NoelleStern/Tappi-share/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tappi",
	Short: "Peer-to-peer file transfer over WebRTC data channels",
	Long: `tappi sends files straight from one machine to another over a WebRTC data channel.

The two sides find each other through a signaling link: the bundled relay
server, an MQTT broker, or blocks you copy and paste yourself. Once the data
channel is up, signaling is dropped and files flow peer to peer, each one
checked against its digest on arrival.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Interrupts cancel the command's context; transfers then wind down and
	// report what made it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
