// Command termshare-tunnel dials a relay and shares one local terminal
// session under a tunnel ID (C6), printing the resulting share URL.
// Wiring mirrors cmd/helix/root.go's single-root-command shape.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/termshare/termshare/config"
	"github.com/termshare/termshare/renderer/ptyrenderer"
	"github.com/termshare/termshare/tunnelclient"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "termshare-tunnel",
		Short: "Share a local terminal over a public tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTunnel()
		},
	}
	return cmd
}

func runTunnel() error {
	cfg, err := config.LoadTunnelConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	if cfg.TunnelID == "" {
		cfg.TunnelID = uuid.NewString()
	}

	client := tunnelclient.New(tunnelclient.Config{
		RelayURL:           cfg.RelayURL,
		TunnelID:           cfg.TunnelID,
		Namespace:          cfg.Namespace,
		Cols:               cfg.Cols,
		Rows:               cfg.Rows,
		MaxCols:            cfg.MaxCols,
		MaxRows:            cfg.MaxRows,
		FrameRate:          cfg.FrameRate,
		RendererFactory:    ptyrenderer.New,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ReconnectDelay:     time.Duration(cfg.ReconnectDelaySecs) * time.Second,
		OnConnected: func(shareURL string) {
			log.Info().Str("share_url", shareURL).Msg("tunnel connected")
		},
		OnDisconnected: func() {
			log.Warn().Msg("tunnel disconnected")
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("tunnel error")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)
	<-client.Done()
	return nil
}

func setupLogging(cfg config.Log) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
