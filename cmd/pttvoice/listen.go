package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/localrivet/pttvoice"
	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/auth"
	"github.com/localrivet/pttvoice/transport/ws"
	"github.com/spf13/cobra"
)

func newListenCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive clips and play them into files and the WebSocket monitor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), c.logger)
			defer cancel()
			return c.runListen(ctx)
		},
	}

	cmd.Flags().String("output-dir", "", "directory clips are written to as raw PCM16LE")
	cmd.Flags().String("monitor", "", "address to serve the WebSocket monitor on, e.g. :8090")
	cmd.Flags().String("monitor-secret", "", "HMAC secret monitor listeners must sign their tokens with")
	return cmd
}

// runListen serves until ctx is done. Playback runs on the calling goroutine.
func (c *cli) runListen(ctx context.Context) error {
	var renderers audio.MultiRenderer

	if c.cfg.OutputDir != "" {
		files, err := audio.NewFileRenderer(c.cfg.OutputDir)
		if err != nil {
			return err
		}
		renderers = append(renderers, files)
		c.logger.Info("writing clips to %s", files.Dir())
	}

	if c.cfg.MonitorAddr != "" {
		options := []ws.MonitorOption{ws.WithLogger(c.logger)}
		if c.cfg.MonitorSecret != "" {
			validator, err := auth.NewHMACTokenValidator(auth.HMACConfig{Secret: []byte(c.cfg.MonitorSecret)})
			if err != nil {
				return err
			}
			options = append(options, ws.WithValidator(validator))
		}

		monitor := ws.NewMonitor(c.cfg.MonitorAddr, options...)
		if err := monitor.Start(); err != nil {
			return err
		}
		defer monitor.Stop()
		renderers = append(renderers, monitor)
	}

	if len(renderers) == 0 {
		return errors.New("nothing to play clips on: set output_dir or monitor_addr")
	}

	svc, err := pttvoice.New(c.cfg, pttvoice.WithLogger(c.logger), pttvoice.WithRenderer(renderers))
	if err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	c.logger.Info("listening on %s", svc.Transport().LocalAddr())

	err = svc.Dispatcher().Run(ctx)
	svc.Dispatcher().Drain()

	if stopErr := svc.Stop(); stopErr != nil {
		c.logger.Warn("stop: %v", stopErr)
	}

	stats := svc.Stats()
	received, rendered := svc.ClipStats()
	c.logger.Info("%d datagrams (%d malformed, %d rejected), %d clips received, %d played, %d transfers expired",
		stats.DatagramsReceived, stats.Malformed, stats.Rejected, received, rendered, stats.TransfersExpired)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("dispatcher: %w", err)
}
