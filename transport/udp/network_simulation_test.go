package udp

import (
	"bytes"
	"errors"
	"hash/crc32"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// impairedLink is a UDP proxy that forwards datagrams to target after
// collecting a batch, then releases the batch shuffled, duplicated or with
// drops according to its settings.
type impairedLink struct {
	conn      *net.UDPConn
	target    *net.UDPAddr
	batch     int
	dropRate  float64
	dupRate   float64
	rng       *rand.Rand
	forwarded int
	mu        sync.Mutex
	wg        sync.WaitGroup
}

func newImpairedLink(t *testing.T, target netip.AddrPort, batch int, dropRate, dupRate float64) *impairedLink {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	l := &impairedLink{
		conn:     conn,
		target:   net.UDPAddrFromAddrPort(target),
		batch:    batch,
		dropRate: dropRate,
		dupRate:  dupRate,
		rng:      rand.New(rand.NewSource(42)),
	}
	l.wg.Add(1)
	go l.run()
	t.Cleanup(func() {
		conn.Close()
		l.wg.Wait()
	})
	return l
}

func (l *impairedLink) Addr() string {
	return l.conn.LocalAddr().String()
}

func (l *impairedLink) Forwarded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forwarded
}

func (l *impairedLink) run() {
	defer l.wg.Done()

	out, err := net.DialUDP("udp", nil, l.target)
	if err != nil {
		return
	}
	defer out.Close()

	var pending [][]byte
	flush := func() {
		l.rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })
		for _, p := range pending {
			if l.rng.Float64() < l.dropRate {
				continue
			}
			_, _ = out.Write(p)
			l.mu.Lock()
			l.forwarded++
			l.mu.Unlock()
			if l.rng.Float64() < l.dupRate {
				_, _ = out.Write(p)
			}
			// Pace writes so the loopback socket buffer does not overflow
			time.Sleep(100 * time.Microsecond)
		}
		pending = pending[:0]
	}

	buf := make([]byte, MaxDatagramSize)
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if len(pending) > 0 {
					flush()
				}
				continue
			}
			return
		}
		pending = append(pending, append([]byte(nil), buf[:n]...))
		if len(pending) >= l.batch {
			flush()
		}
	}
}

func startReceiver(t *testing.T, options ...UDPOption) (*Transport, chan []byte) {
	t.Helper()
	receiver := NewTransport("127.0.0.1:0", options...)
	got := make(chan []byte, 16)
	receiver.SetMessageHandler(func(_ netip.AddrPort, message []byte) error {
		got <- message
		return nil
	})
	require.NoError(t, receiver.Start())
	t.Cleanup(func() { receiver.Stop() })
	return receiver, got
}

// TestOutOfOrderDelivery sends a clip through a link that shuffles every fragment.
func TestOutOfOrderDelivery(t *testing.T) {
	receiver, got := startReceiver(t)
	link := newImpairedLink(t, receiver.LocalAddr(), 1<<20, 0, 0)

	sender := NewTransport("127.0.0.1:0", WithPeer(link.Addr()), WithMaxPayloadSize(1000))
	message := testClip(32000)
	report, err := sender.SendMessage(message)
	require.NoError(t, err)
	require.Equal(t, 32, report.Fragments)

	select {
	case m := <-got:
		assert.True(t, bytes.Equal(message, m))
	case <-time.After(3 * time.Second):
		t.Fatalf("clip not reassembled; %d fragments forwarded", link.Forwarded())
	}
}

// TestDuplicatePackets delivers every fragment at least once and many twice.
func TestDuplicatePackets(t *testing.T) {
	receiver, got := startReceiver(t)
	link := newImpairedLink(t, receiver.LocalAddr(), 1<<20, 0, 0.5)

	sender := NewTransport("127.0.0.1:0", WithPeer(link.Addr()), WithMaxPayloadSize(800))
	message := testClip(12000)
	_, err := sender.SendMessage(message)
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.True(t, bytes.Equal(message, m))
	case <-time.After(3 * time.Second):
		t.Fatal("clip not reassembled")
	}

	// Duplicates of the finished clip may open a stray entry but never a second delivery
	select {
	case <-got:
		t.Fatal("clip delivered twice")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), receiver.Stats().MessagesCompleted)
}

// TestPacketLoss checks that a clip missing fragments is never delivered and
// is evicted once it goes stale.
func TestPacketLoss(t *testing.T) {
	receiver, got := startReceiver(t,
		WithReassemblyTimeout(150*time.Millisecond),
		WithSweepInterval(25*time.Millisecond),
	)
	link := newImpairedLink(t, receiver.LocalAddr(), 1<<20, 0.3, 0)

	sender := NewTransport("127.0.0.1:0", WithPeer(link.Addr()), WithMaxPayloadSize(200))
	message := testClip(10000)
	report, err := sender.SendMessage(message)
	require.NoError(t, err)
	require.Equal(t, 50, report.Fragments)

	require.Eventually(t, func() bool {
		return receiver.Stats().TransfersExpired == 1 && receiver.Table().Len() == 0
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case <-got:
		t.Fatal("incomplete clip was delivered")
	default:
	}
}

// TestMultipleClients interleaves clips from several senders that share a message id.
func TestMultipleClients(t *testing.T) {
	receiver, got := startReceiver(t)

	const clients = 4
	clips := make(map[uint32][]byte)
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		message := bytes.Repeat([]byte{byte(c + 1)}, 6000+c*100)
		clips[crc32.ChecksumIEEE(message)] = message

		sender := NewTransport("127.0.0.1:0",
			WithPeer(receiver.LocalAddr().String()),
			WithMaxPayloadSize(500),
			WithMessageIDFunc(func() uint32 { return 7 }),
		)
		require.NoError(t, sender.Start())
		t.Cleanup(func() { sender.Stop() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sender.SendMessage(message)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		select {
		case m := <-got:
			original, ok := clips[crc32.ChecksumIEEE(m)]
			require.True(t, ok, "unexpected clip of %d bytes", len(m))
			assert.True(t, bytes.Equal(original, m))
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d clips delivered", i, clients)
		}
	}
}

func BenchmarkFragmentAndReassemble(b *testing.B) {
	message := testClip(64000)
	table := NewTable(DefaultReassemblyTimeout)

	b.SetBytes(int64(len(message)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		datagrams, err := Fragment(uint32(i), message, DefaultMaxPayloadSize)
		if err != nil {
			b.Fatal(err)
		}
		for _, d := range datagrams {
			h, _ := DecodeHeader(d)
			if _, _, err := table.AddFragment(testSender, h, d[HeaderSize:]); err != nil {
				b.Fatal(err)
			}
		}
	}
}
