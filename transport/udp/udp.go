// Package udp provides the datagram transport for push-to-talk voice clips.
//
// A clip larger than one datagram is split into fragments that share a
// random message id. Fragments are sent fire-and-forget with no ordering,
// acknowledgment or retransmission; the receiving side reassembles them in
// any order, drops duplicates, and silently evicts transfers that stop
// making progress.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/localrivet/pttvoice/logx"
	"github.com/localrivet/pttvoice/transport"
)

const (
	// DefaultMaxPayloadSize is the number of audio bytes carried per fragment.
	// It's set conservatively to stay under common path MTUs.
	DefaultMaxPayloadSize = 1200

	// DefaultReadBufferSize is the default kernel receive buffer for the socket.
	DefaultReadBufferSize = 256 * 1024

	// DefaultSweepInterval is how often incomplete transfers are checked for expiry.
	DefaultSweepInterval = 1 * time.Second

	// MaxDatagramSize is the largest UDP payload we will ever read.
	MaxDatagramSize = 65507

	// readErrorPause throttles the receive loop on persistent socket errors.
	readErrorPause = 10 * time.Millisecond
)

// ErrMessageTooLarge is returned when a message needs more fragments than a header can index.
var ErrMessageTooLarge = errors.New("message too large")

// ErrEmptyMessage is returned when there is nothing to send.
var ErrEmptyMessage = errors.New("empty message")

// ErrMalformedPacket is returned when a datagram doesn't hold a valid fragment header.
var ErrMalformedPacket = errors.New("malformed packet")

// ErrFragmentMismatch is returned when a fragment doesn't fit the transfer it claims to belong to.
var ErrFragmentMismatch = errors.New("fragment does not match transfer")

// ErrTooManyTransfers is returned when the reassembly table is full.
var ErrTooManyTransfers = errors.New("too many concurrent transfers")

// ErrNoPeer is returned by Send when no peer address is configured.
var ErrNoPeer = errors.New("no peer configured")

// TransportError indicates a failed socket operation.
type TransportError struct {
	Op   string // "listen", "send", "receive", "resolve"
	Addr string
	Err  error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("udp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("udp %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying cause
func (e *TransportError) Unwrap() error {
	return e.Err
}

// SendReport describes what happened to one outgoing message.
type SendReport struct {
	MessageID uint32
	Bytes     int
	Fragments int
	Sent      int
	Failed    int
}

// Stats holds transport counters.
type Stats struct {
	DatagramsReceived uint64
	Malformed         uint64
	Rejected          uint64
	MessagesCompleted uint64
	TransfersExpired  uint64
	FragmentsSent     uint64
	SendFailures      uint64
}

type counters struct {
	datagramsReceived atomic.Uint64
	malformed         atomic.Uint64
	rejected          atomic.Uint64
	messagesCompleted atomic.Uint64
	transfersExpired  atomic.Uint64
	fragmentsSent     atomic.Uint64
	sendFailures      atomic.Uint64
}

// packetWriter is the part of *net.UDPConn used for sending.
type packetWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// Transport implements the transport.Transport interface for UDP voice clips.
type Transport struct {
	transport.BaseTransport
	addr              string        // Listen address (host:port)
	peer              string        // Default destination (host:port)
	conn              *net.UDPConn  // Bound socket while running
	maxPayloadSize    int           // Audio bytes per fragment
	readBufferSize    int           // Kernel receive buffer size
	reassemblyTimeout time.Duration // Inactivity timeout for transfers
	sweepInterval     time.Duration // Expiry check interval
	maxTransfers      int           // Concurrent transfer bound
	clock             func() time.Time
	newMessageID      func() uint32
	logger            logx.Logger

	table *Table
	stats counters

	peerMu   sync.Mutex
	peerAddr netip.AddrPort

	doneCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// UDPOption is a function that configures a Transport.
type UDPOption func(*Transport)

// WithPeer sets the default destination used by Send.
func WithPeer(peer string) UDPOption {
	return func(t *Transport) {
		t.peer = peer
	}
}

// WithMaxPayloadSize sets the number of audio bytes per fragment.
func WithMaxPayloadSize(size int) UDPOption {
	return func(t *Transport) {
		if size > 0 {
			t.maxPayloadSize = size
		}
	}
}

// WithReadBufferSize sets the kernel receive buffer size.
func WithReadBufferSize(size int) UDPOption {
	return func(t *Transport) {
		if size > 0 {
			t.readBufferSize = size
		}
	}
}

// WithReassemblyTimeout sets how long an idle incomplete transfer is kept.
func WithReassemblyTimeout(timeout time.Duration) UDPOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.reassemblyTimeout = timeout
		}
	}
}

// WithSweepInterval sets how often expired transfers are evicted.
func WithSweepInterval(interval time.Duration) UDPOption {
	return func(t *Transport) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// WithMaxTransfers bounds concurrent reassembly. Zero removes the bound.
func WithMaxTransfers(n int) UDPOption {
	return func(t *Transport) {
		if n >= 0 {
			t.maxTransfers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logx.Logger) UDPOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock replaces time.Now for the reassembly table.
func WithClock(now func() time.Time) UDPOption {
	return func(t *Transport) {
		if now != nil {
			t.clock = now
		}
	}
}

// WithMessageIDFunc replaces the random message id generator.
func WithMessageIDFunc(fn func() uint32) UDPOption {
	return func(t *Transport) {
		if fn != nil {
			t.newMessageID = fn
		}
	}
}

// NewTransport creates a new UDP transport.
//
// Parameters:
//   - addr: The local address to receive on, typically ":port".
//   - options: Optional configuration settings.
//
// Example:
//
//	t := udp.NewTransport(":5151",
//	    udp.WithPeer("10.57.1.134:5151"),
//	    udp.WithMaxPayloadSize(1200),
//	    udp.WithReassemblyTimeout(10*time.Second))
func NewTransport(addr string, options ...UDPOption) *Transport {
	t := &Transport{
		addr:              addr,
		maxPayloadSize:    DefaultMaxPayloadSize,
		readBufferSize:    DefaultReadBufferSize,
		reassemblyTimeout: DefaultReassemblyTimeout,
		sweepInterval:     DefaultSweepInterval,
		maxTransfers:      MaxConcurrentReassembly,
		clock:             time.Now,
		newMessageID:      randomMessageID,
		logger:            logx.NopLogger{},
	}

	for _, option := range options {
		option(t)
	}

	t.table = NewTable(t.reassemblyTimeout, WithTableClock(t.clock), WithMaxEntries(t.maxTransfers))
	return t
}

// randomMessageID takes the first four bytes of a random UUID.
func randomMessageID() uint32 {
	id := uuid.New()
	return binary.LittleEndian.Uint32(id[:4])
}

// Table exposes the reassembly table.
func (t *Transport) Table() *Table {
	return t.table
}

// MaxPayloadSize returns the configured audio bytes per fragment.
func (t *Transport) MaxPayloadSize() int {
	return t.maxPayloadSize
}

// LocalAddr returns the bound address, or an invalid AddrPort when stopped.
func (t *Transport) LocalAddr() netip.AddrPort {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	if t.conn == nil {
		return netip.AddrPort{}
	}
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		DatagramsReceived: t.stats.datagramsReceived.Load(),
		Malformed:         t.stats.malformed.Load(),
		Rejected:          t.stats.rejected.Load(),
		MessagesCompleted: t.stats.messagesCompleted.Load(),
		TransfersExpired:  t.stats.transfersExpired.Load(),
		FragmentsSent:     t.stats.fragmentsSent.Load(),
		SendFailures:      t.stats.sendFailures.Load(),
	}
}

// Start binds the listen address and starts the receive loop and the
// expiry sweeper. Starting a running transport is a no-op.
func (t *Transport) Start() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return nil // Already started
	}

	addr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return &TransportError{Op: "resolve", Addr: t.addr, Err: err}
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return &TransportError{Op: "listen", Addr: t.addr, Err: err}
	}

	if t.readBufferSize > 0 {
		if err := conn.SetReadBuffer(t.readBufferSize); err != nil {
			t.logger.Warn("udp: failed to set read buffer to %d bytes: %v", t.readBufferSize, err)
		}
	}

	t.conn = conn
	t.doneCh = make(chan struct{})
	t.running = true

	t.wg.Add(2)
	go t.receivePackets(conn, t.doneCh)
	go t.cleanupFragments(t.doneCh)

	t.logger.Info("udp: listening on %s", conn.LocalAddr())
	return nil
}

// Stop closes the socket, which unblocks the receive loop, and waits for
// the background goroutines to exit. Stopping a stopped transport is a no-op.
func (t *Transport) Stop() error {
	t.runningMu.Lock()
	if !t.running {
		t.runningMu.Unlock()
		return nil // Already stopped
	}

	close(t.doneCh)
	err := t.conn.Close()
	t.conn = nil
	t.running = false
	t.runningMu.Unlock()

	t.wg.Wait()

	if err != nil {
		return &TransportError{Op: "close", Addr: t.addr, Err: err}
	}
	t.logger.Info("udp: stopped listening on %s", t.addr)
	return nil
}

// Running reports whether the receive loop is active.
func (t *Transport) Running() bool {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()
	return t.running
}

// Send sends a message to the configured peer.
func (t *Transport) Send(message []byte) error {
	_, err := t.SendMessage(message)
	return err
}

// SendMessage sends a message to the configured peer and reports what was sent.
func (t *Transport) SendMessage(message []byte) (SendReport, error) {
	peer, err := t.resolvePeer()
	if err != nil {
		return SendReport{}, err
	}
	return t.SendTo(peer, message)
}

// SendTo fragments message and writes every fragment to addr. The whole
// message is rejected before anything is written when it is empty or too
// large. A failed write does not stop the remaining fragments; failures are
// counted in the report and returned as a *TransportError.
func (t *Transport) SendTo(addr netip.AddrPort, message []byte) (SendReport, error) {
	messageID := t.newMessageID()
	report := SendReport{MessageID: messageID, Bytes: len(message)}

	datagrams, err := Fragment(messageID, message, t.maxPayloadSize)
	if err != nil {
		return report, err
	}
	report.Fragments = len(datagrams)

	w, release, err := t.writer()
	if err != nil {
		return report, err
	}
	defer release()

	return t.sendDatagrams(w, addr, datagrams, report)
}

func (t *Transport) sendDatagrams(w packetWriter, addr netip.AddrPort, datagrams [][]byte, report SendReport) (SendReport, error) {
	var errs []error
	for i, packet := range datagrams {
		if _, err := w.WriteToUDPAddrPort(packet, addr); err != nil {
			report.Failed++
			t.stats.sendFailures.Add(1)
			errs = append(errs, fmt.Errorf("fragment %d/%d: %w", i, len(datagrams), err))
			continue
		}
		report.Sent++
		t.stats.fragmentsSent.Add(1)
	}

	t.logger.Debug("udp: sent message %08x to %s: %d bytes in %d/%d fragments",
		report.MessageID, addr, report.Bytes, report.Sent, report.Fragments)

	if len(errs) > 0 {
		return report, &TransportError{Op: "send", Addr: addr.String(), Err: errors.Join(errs...)}
	}
	return report, nil
}

// writer returns the bound socket when running, otherwise a throwaway
// socket closed by release.
func (t *Transport) writer() (packetWriter, func(), error) {
	t.runningMu.Lock()
	conn := t.conn
	t.runningMu.Unlock()

	if conn != nil {
		return conn, func() {}, nil
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, &TransportError{Op: "send", Err: err}
	}
	return conn, func() { conn.Close() }, nil
}

// resolvePeer resolves the configured peer once and caches it.
func (t *Transport) resolvePeer() (netip.AddrPort, error) {
	t.peerMu.Lock()
	defer t.peerMu.Unlock()

	if t.peerAddr.IsValid() {
		return t.peerAddr, nil
	}
	if t.peer == "" {
		return netip.AddrPort{}, ErrNoPeer
	}

	addr, err := net.ResolveUDPAddr("udp", t.peer)
	if err != nil {
		return netip.AddrPort{}, &TransportError{Op: "resolve", Addr: t.peer, Err: err}
	}
	t.peerAddr = unmap(addr.AddrPort())
	return t.peerAddr, nil
}

// receivePackets reads datagrams until the socket is closed.
func (t *Transport) receivePackets(conn *net.UDPConn, done <-chan struct{}) {
	defer t.wg.Done()

	buffer := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-done:
				return // Transport is shutting down
			default:
			}

			t.logger.Warn("udp: %v", &TransportError{Op: "receive", Addr: t.addr, Err: err})
			time.Sleep(readErrorPause)
			continue
		}

		// Copy out of the shared buffer, the table keeps payload slices.
		packet := make([]byte, n)
		copy(packet, buffer[:n])
		t.processPacket(unmap(from), packet)
	}
}

// processPacket decodes one datagram and feeds it to the reassembly table.
func (t *Transport) processPacket(from netip.AddrPort, data []byte) {
	t.stats.datagramsReceived.Add(1)

	header, err := DecodeHeader(data)
	if err != nil {
		t.stats.malformed.Add(1)
		t.logger.Debug("udp: discarding datagram from %s: %v", from, err)
		return
	}

	message, complete, err := t.table.AddFragment(from, header, data[HeaderSize:])
	if err != nil {
		if errors.Is(err, ErrMalformedPacket) {
			t.stats.malformed.Add(1)
		} else {
			t.stats.rejected.Add(1)
		}
		t.logger.Debug("udp: discarding fragment %s from %s: %v", header, from, err)
		return
	}
	if !complete {
		return
	}

	t.stats.messagesCompleted.Add(1)
	if t.GetDebugHandler() != nil {
		t.Debug(fmt.Sprintf("message %08x from %s complete: %d bytes in %d fragments",
			header.MessageID, from, len(message), header.TotalFragments))
	}

	if err := t.HandleMessage(from, message); err != nil {
		t.logger.Warn("udp: handler failed for message %08x from %s: %v", header.MessageID, from, err)
	}
}

// cleanupFragments periodically removes expired transfers.
func (t *Transport) cleanupFragments(done <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return // Transport is shutting down
		case <-ticker.C:
			if n := t.table.Sweep(); n > 0 {
				t.stats.transfersExpired.Add(uint64(n))
				t.logger.Debug("udp: evicted %d incomplete transfer(s)", n)
			}
		}
	}
}

// unmap strips the IPv4-in-IPv6 prefix dual-stack sockets report, so one
// sender always maps to the same key.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

var _ transport.Transport = (*Transport)(nil)
