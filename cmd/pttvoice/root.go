package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/localrivet/pttvoice/config"
	"github.com/localrivet/pttvoice/logx"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cli holds state shared by all subcommands, set during PersistentPreRunE.
type cli struct {
	cfgFile string
	cfg     *config.Config
	logger  logx.Logger
}

// flagKeys maps flag names to config keys. Only flags set on the command
// line override the config file.
var flagKeys = map[string]string{
	"log-level":          "log_level",
	"log-format":         "log_format",
	"peer":               "peer_host",
	"port":               "port",
	"listen":             "listen_addr",
	"max-payload":        "max_payload_size",
	"reassembly-timeout": "reassembly_timeout",
	"sample-rate":        "sample_rate",
	"output-dir":         "output_dir",
	"monitor":            "monitor_addr",
	"monitor-secret":     "monitor_secret",
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "pttvoice",
		Short: "Push-to-talk voice clips over UDP",
		Long: `pttvoice sends recorded voice clips to a peer as fragmented UDP datagrams
and plays back clips the peer sends, reassembling fragments that arrive out
of order and discarding transfers that never complete.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (.yaml, .yml or .json)")
	flags.String("log-level", "", "log level: debug, info, warn, error (default \"info\")")
	flags.String("log-format", "", "log output: plain, text or json (default \"plain\")")
	flags.String("peer", "", "peer host to send clips to")
	flags.Int("port", config.DefaultPort, "UDP port used for sending and receiving")
	flags.String("listen", "", "local address to receive on (default \":<port>\")")
	flags.Int("max-payload", config.DefaultMaxPayloadSize, "audio bytes per datagram")
	flags.Duration("reassembly-timeout", config.DefaultReassemblyTimeout, "drop incomplete clips idle for longer than this")
	flags.Int("sample-rate", config.DefaultSampleRate, "sample rate of captured and played audio")

	root.AddCommand(
		newListenCmd(c),
		newSendCmd(c),
		newMonitorCmd(c),
		newTokenCmd(c),
	)
	return root
}

// loadConfig reads the config file, if any, and applies flags that were
// explicitly set.
func (c *cli) loadConfig(cmd *cobra.Command) error {
	cfg := config.Default()
	if c.cfgFile != "" {
		loaded, err := config.LoadFromFile(c.cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	overrides := make(map[string]interface{})
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.String()
		}
	})
	if err := cfg.Merge(overrides); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger logx.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Info("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
