package main

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/auth"
	"github.com/localrivet/pttvoice/config"
	"github.com/localrivet/pttvoice/logx"
	"github.com/localrivet/pttvoice/transport/udp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(c)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// freeUDPPort returns a port that was free a moment ago.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestConfigFileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pttvoice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peer_host: 10.1.1.1\nport: 6000\nmonitor_secret: s3cret\n"), 0o600))

	c := &cli{}
	out, err := execute(t, c, "--config", path, "--port", "6100", "--reassembly-timeout", "3s", "token")
	require.NoError(t, err)

	assert.Equal(t, "10.1.1.1:6100", c.cfg.PeerAddress())
	assert.Equal(t, 3*time.Second, c.cfg.ReassemblyTimeout)
	assert.Equal(t, config.DefaultMaxPayloadSize, c.cfg.MaxPayloadSize, "unset flags keep the file value")

	v, err := auth.NewHMACTokenValidator(auth.HMACConfig{Secret: []byte("s3cret")})
	require.NoError(t, err)
	p, err := v.ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "listener", p.GetSubject())
}

func TestInvalidFlagValues(t *testing.T) {
	_, err := execute(t, &cli{}, "--max-payload", "0", "token", "--secret", "x")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = execute(t, &cli{}, "--log-level", "loud", "token", "--secret", "x")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLogFormatFlag(t *testing.T) {
	c := &cli{}
	root := newRootCmd(c)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"--log-format", "json", "--log-level", "debug", "token", "--secret", "x"})
	require.NoError(t, root.Execute())

	assert.Equal(t, "json", c.cfg.LogFormat)
	c.logger.Debug("clip %d saved", 3)
	assert.Contains(t, errOut.String(), `"msg":"clip 3 saved"`)

	_, err := execute(t, &cli{}, "--log-format", "xml", "token", "--secret", "x")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTokenRequiresSecret(t *testing.T) {
	_, err := execute(t, &cli{}, "token")
	assert.ErrorContains(t, err, "no monitor secret")
}

func TestSendCommand(t *testing.T) {
	receiver := udp.NewTransport("127.0.0.1:0")
	got := make(chan []byte, 1)
	receiver.SetMessageHandler(func(_ netip.AddrPort, message []byte) error {
		got <- message
		return nil
	})
	require.NoError(t, receiver.Start())
	defer receiver.Stop()

	samples := make([]int16, 3000)
	for i := range samples {
		samples[i] = int16(i - 1500)
	}
	file := filepath.Join(t.TempDir(), "clip.pcm")
	require.NoError(t, os.WriteFile(file, audio.PCM16ToBytes(samples), 0o600))

	port := strconv.Itoa(int(receiver.LocalAddr().Port()))
	out, err := execute(t, &cli{}, "--peer", "127.0.0.1", "--port", port, "--log-level", "error", "send", file)
	require.NoError(t, err)
	assert.Contains(t, out, "sent 3000 samples to 127.0.0.1:"+port)
	assert.Contains(t, out, "6000 bytes in 5 fragments (5 sent)")

	select {
	case m := <-got:
		assert.Equal(t, samples, audio.BytesToPCM16(m))
	case <-time.After(2 * time.Second):
		t.Fatal("clip not received")
	}
}

func TestSendCommandMissingFile(t *testing.T) {
	_, err := execute(t, &cli{}, "send", filepath.Join(t.TempDir(), "nope.pcm"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListenWritesClips(t *testing.T) {
	port := freeUDPPort(t)
	outDir := filepath.Join(t.TempDir(), "clips")

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:" + strconv.Itoa(port)
	cfg.OutputDir = outDir
	c := &cli{cfg: cfg, logger: logx.NewLogger(&bytes.Buffer{}, logx.LevelError)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.runListen(ctx) }()

	sender := udp.NewTransport("127.0.0.1:0", udp.WithPeer(cfg.ListenAddr))
	samples := []int16{100, -100, 200, -200}

	// The listener binds asynchronously; resend until a clip lands.
	require.Eventually(t, func() bool {
		_ = sender.Send(audio.PCM16ToBytes(samples))
		entries, _ := os.ReadDir(outDir)
		return len(entries) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop")
	}

	written, err := audio.ReadPCMFile(filepath.Join(outDir, "clip-0001.pcm"))
	require.NoError(t, err)
	assert.Equal(t, samples, written)
}

func TestListenNeedsARenderer(t *testing.T) {
	cfg := config.Default()
	cfg.OutputDir = ""
	c := &cli{cfg: cfg, logger: logx.NewLogger(&bytes.Buffer{}, logx.LevelError)}

	err := c.runListen(context.Background())
	assert.ErrorContains(t, err, "nothing to play clips on")
}
