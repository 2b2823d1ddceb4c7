package main

import (
	"fmt"

	"github.com/localrivet/pttvoice"
	"github.com/localrivet/pttvoice/audio"
	"github.com/spf13/cobra"
)

func newSendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "send FILE",
		Short: "Send a raw PCM16LE file to the peer as one clip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := audio.ReadPCMFile(args[0])
			if err != nil {
				return err
			}

			svc, err := pttvoice.New(c.cfg, pttvoice.WithLogger(c.logger))
			if err != nil {
				return err
			}

			report, err := svc.SendClip(samples)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d samples to %s: message %08x, %d bytes in %d fragments (%d sent)\n",
				len(samples), c.cfg.PeerAddress(), report.MessageID, report.Bytes, report.Fragments, report.Sent)
			return nil
		},
	}
}
