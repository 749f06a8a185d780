package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/NoelleStern/Tappi-share/internal/config"
	"github.com/NoelleStern/Tappi-share/internal/hub"
	"github.com/NoelleStern/Tappi-share/internal/server"
)

var (
	flagServerAddr    string
	flagServerTimeout time.Duration
	flagServerQueue   int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the signaling relay",
	Long: `Run the relay that pairs two named peers and forwards their signaling
messages. Messages sent before the other side joins are queued until it does.

Examples:
  tappi server
  tappi server --addr :9000 --session-timeout 10m`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h := hub.NewHub(
			hub.WithSessionTimeout(flagServerTimeout),
			hub.WithQueueLimit(flagServerQueue),
		)
		return server.Run(cmd.Context(), config.ServerAddr(flagServerAddr), h)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&flagServerAddr, "addr", "", "Listen address (default $TAPPI_ADDR or :8080)")
	serverCmd.Flags().DurationVar(&flagServerTimeout, "session-timeout", hub.DefaultSessionTimeout, "How long a pair may stay open")
	serverCmd.Flags().IntVar(&flagServerQueue, "queue-limit", hub.DefaultQueueLimit, "Messages queued per direction before the peer joins")
}
