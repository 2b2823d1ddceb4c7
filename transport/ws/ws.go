// Package ws provides a WebSocket monitor for received voice clips.
//
// The monitor is an audio.Renderer: every clip handed to Render is
// broadcast to all connected listeners as one binary frame holding the
// sample rate followed by the PCM16LE samples. Listeners only receive;
// anything they send is read and discarded.
package ws

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/localrivet/pttvoice/audio"
	"github.com/localrivet/pttvoice/auth"
	"github.com/localrivet/pttvoice/logx"
)

// DefaultShutdownTimeout is the default timeout for graceful shutdown
const DefaultShutdownTimeout = 10 * time.Second

// DefaultWriteTimeout bounds each frame write to a listener.
const DefaultWriteTimeout = 2 * time.Second

// FrameHeaderSize is the sample rate prefix of every clip frame.
const FrameHeaderSize = 4

// ErrShortFrame is returned by DecodeFrame for frames without a sample rate.
var ErrShortFrame = errors.New("frame shorter than header")

// EncodeFrame builds a clip frame: sampleRate uint32 LE followed by pcm.
func EncodeFrame(sampleRate int, pcm []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(pcm))
	binary.LittleEndian.PutUint32(frame, uint32(sampleRate))
	copy(frame[FrameHeaderSize:], pcm)
	return frame
}

// DecodeFrame splits a clip frame into its sample rate and PCM16LE bytes.
func DecodeFrame(frame []byte) (sampleRate int, pcm []byte, err error) {
	if len(frame) < FrameHeaderSize {
		return 0, nil, ErrShortFrame
	}
	return int(binary.LittleEndian.Uint32(frame)), frame[FrameHeaderSize:], nil
}

// Monitor serves WebSocket listeners and broadcasts clips to them.
type Monitor struct {
	addr            string
	server          *http.Server
	listener        net.Listener
	validator       auth.TokenValidator
	logger          logx.Logger
	shutdownTimeout time.Duration
	writeTimeout    time.Duration

	conns   map[net.Conn]bool
	connsMu sync.Mutex

	// writeMu serializes broadcasts so frames never interleave on a conn.
	writeMu sync.Mutex

	running   bool
	runningMu sync.Mutex
	serveDone chan struct{}
}

// MonitorOption is a function that configures a Monitor.
type MonitorOption func(*Monitor)

// WithValidator requires a valid bearer token on every upgrade.
func WithValidator(validator auth.TokenValidator) MonitorOption {
	return func(m *Monitor) {
		m.validator = validator
	}
}

// WithLogger sets the logger.
func WithLogger(logger logx.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for the HTTP server.
func WithShutdownTimeout(timeout time.Duration) MonitorOption {
	return func(m *Monitor) {
		if timeout > 0 {
			m.shutdownTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds how long a single listener may hold up a
// broadcast. A listener that cannot take a frame in time is dropped.
func WithWriteTimeout(timeout time.Duration) MonitorOption {
	return func(m *Monitor) {
		if timeout > 0 {
			m.writeTimeout = timeout
		}
	}
}

// NewMonitor creates a monitor that will listen on addr.
func NewMonitor(addr string, options ...MonitorOption) *Monitor {
	m := &Monitor{
		addr:            addr,
		conns:           make(map[net.Conn]bool),
		logger:          logx.NopLogger{},
		shutdownTimeout: DefaultShutdownTimeout,
		writeTimeout:    DefaultWriteTimeout,
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Handler returns the HTTP handler that upgrades listeners, wrapped in
// token authentication when a validator is configured.
func (m *Monitor) Handler() (http.Handler, error) {
	var handler http.Handler = http.HandlerFunc(m.handleWebSocketRequest)
	if m.validator == nil {
		return handler, nil
	}
	return auth.NewMiddleware(auth.MiddlewareConfig{Validator: m.validator}, handler)
}

// Start binds the address and serves listeners. Starting a running monitor
// is a no-op.
func (m *Monitor) Start() error {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return nil
	}

	handler, err := m.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", m.addr, err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.serveDone = make(chan struct{})
	m.running = true

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("ws: monitor server failed: %v", err)
		}
	}(m.server, m.serveDone)

	m.logger.Info("ws: monitor listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (m *Monitor) Addr() string {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop disconnects every listener and shuts the server down.
func (m *Monitor) Stop() error {
	m.runningMu.Lock()
	if !m.running {
		m.runningMu.Unlock()
		return nil
	}
	server, done := m.server, m.serveDone
	m.running = false
	m.listener = nil
	m.runningMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	// Close all connections; hijacked conns are not tracked by the server
	m.connsMu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[net.Conn]bool)
	m.connsMu.Unlock()

	err := server.Shutdown(ctx)
	<-done
	return err
}

// Listeners returns the number of connected listeners.
func (m *Monitor) Listeners() int {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return len(m.conns)
}

// Render implements audio.Renderer by broadcasting the clip.
func (m *Monitor) Render(samples []float32, sampleRate int) error {
	return m.Broadcast(EncodeFrame(sampleRate, audio.PCM16ToBytes(audio.FloatToPCM16(samples))))
}

// Broadcast sends one binary frame to every listener. Each write is bounded
// by the write timeout; listeners that fail or time out are dropped and the
// last write error is returned.
func (m *Monitor) Broadcast(frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.connsMu.Lock()
	conns := make([]net.Conn, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.connsMu.Unlock()

	var lastErr error
	for _, conn := range conns {
		if err := m.writeFrame(conn, frame); err != nil {
			// Note the error but continue trying to send to other listeners
			lastErr = err
			m.drop(conn)
			m.logger.Debug("ws: dropped listener %s: %v", conn.RemoteAddr(), err)
		}
	}
	return lastErr
}

func (m *Monitor) writeFrame(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeTimeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(conn, ws.OpBinary, frame)
}

func (m *Monitor) drop(conn net.Conn) {
	conn.Close()
	m.connsMu.Lock()
	delete(m.conns, conn)
	m.connsMu.Unlock()
}

// handleWebSocketRequest handles incoming WebSocket connection requests
func (m *Monitor) handleWebSocketRequest(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		m.logger.Debug("ws: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	m.connsMu.Lock()
	m.conns[conn] = true
	m.connsMu.Unlock()

	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		m.logger.Info("ws: listener %s connected as %q", conn.RemoteAddr(), p.GetSubject())
	} else {
		m.logger.Info("ws: listener %s connected", conn.RemoteAddr())
	}

	go m.handleServerConnection(conn)
}

// handleServerConnection drains a listener until it disconnects.
func (m *Monitor) handleServerConnection(conn net.Conn) {
	defer m.drop(conn)

	for {
		_, op, err := wsutil.ReadClientData(conn)
		if err != nil || op == ws.OpClose {
			return
		}
	}
}

// Client receives clip frames from a Monitor.
type Client struct {
	conn net.Conn
	rw   io.ReadWriter
	mu   sync.Mutex
}

// bufferedConn reads handshake leftovers before the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Dial connects to a monitor at url (ws://host:port/). A non-empty token is
// sent as a bearer Authorization header.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	dialer := ws.Dialer{}
	if token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		})
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	var rw io.ReadWriter = conn
	if br != nil {
		rw = bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return &Client{conn: conn, rw: rw}, nil
}

// ReadClip blocks until the next clip frame arrives.
func (c *Client) ReadClip() (sampleRate int, samples []int16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		msg, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			return 0, nil, err
		}
		if op != ws.OpBinary {
			continue
		}
		rate, pcm, err := DecodeFrame(msg)
		if err != nil {
			return 0, nil, err
		}
		return rate, audio.BytesToPCM16(pcm), nil
	}
}

// SetReadDeadline bounds the next ReadClip.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	return c.conn.Close()
}

var _ audio.Renderer = (*Monitor)(nil)
