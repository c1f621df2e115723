package cli

import (
	"time"

	"github.com/spf13/cobra"

	"coinwatch/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the price streams, pollers and alert evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	statusAddr    string
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live price cache of a running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{
			Addr:    statusAddr,
			Timeout: statusTimeout,
			Out:     cmd.OutOrStdout(),
		})
	},
}

var assetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "List the tracked assets and their sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAssets(cmd.OutOrStdout())
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Ops server address (defaults to metrics.addr)")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "Request timeout")
}
