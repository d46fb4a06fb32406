// Command termshare-server hosts the direct-polarity HTTP/WS endpoints
// (§6.4): the multiplexer upgrade, the tunnel-relay upgrades, and the
// share page. Wiring follows the teacher's cmd/helix/root.go: a single
// cobra root command delegating to newServeCmd.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "termshare-server",
		Short: "termshare server",
		Long:  "Serves headless terminal sessions to browsers over WebSocket.",
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}
