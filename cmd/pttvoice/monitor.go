package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/auth"
	"github.com/localrivet/pttvoice/transport/ws"
	"github.com/spf13/cobra"
)

func newMonitorCmd(c *cli) *cobra.Command {
	var token string
	var outputDir string

	cmd := &cobra.Command{
		Use:   "monitor URL",
		Short: "Connect to a listen monitor and save every clip it broadcasts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), c.logger)
			defer cancel()

			if outputDir == "" {
				outputDir = c.cfg.OutputDir
			}
			files, err := audio.NewFileRenderer(outputDir)
			if err != nil {
				return err
			}

			dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
			client, err := ws.Dial(dialCtx, args[0], token)
			dialCancel()
			if err != nil {
				return fmt.Errorf("connect to monitor: %w", err)
			}

			go func() {
				<-ctx.Done()
				client.Close()
			}()

			for {
				rate, samples, err := client.ReadClip()
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
						return nil
					}
					return err
				}
				if err := files.Render(audio.PCM16ToFloat(samples), rate); err != nil {
					return err
				}
				c.logger.Info("saved clip %d: %d samples at %d Hz", files.Written(), len(samples), rate)
			}
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token for monitors that require one")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory clips are written to (default output_dir)")
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var subject string
	var ttl time.Duration
	var secret string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a monitor token signed with the monitor secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = c.cfg.MonitorSecret
			}
			if secret == "" {
				return errors.New("no monitor secret: set monitor_secret or --secret")
			}

			token, err := auth.IssueToken([]byte(secret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "listener", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (default monitor_secret)")
	return cmd
}
