package udp

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

const (
	// DefaultReassemblyTimeout is how long an incomplete transfer may sit
	// idle before the sweeper evicts it.
	DefaultReassemblyTimeout = 10 * time.Second

	// MaxConcurrentReassembly is the default number of transfers that can be
	// reassembled concurrently.
	MaxConcurrentReassembly = 256
)

// Key identifies one transfer. Message ids are random and only unique per
// sender, so the sender endpoint is part of the key.
type Key struct {
	Sender    netip.AddrPort
	MessageID uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%08x", k.Sender, k.MessageID)
}

// entry holds the fragments received so far for one transfer.
type entry struct {
	totalFragments uint16
	fragments      map[uint16][]byte
	size           int
	createdAt      time.Time
	lastUpdatedAt  time.Time
}

// Table maps in-flight transfers to their partially received fragments.
// A single mutex guards the whole map; every operation is one critical
// section covering lookup, insert, completeness check and removal.
type Table struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	timeout    time.Duration
	maxEntries int
	now        func() time.Time
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithTableClock replaces time.Now, mostly for tests.
func WithTableClock(now func() time.Time) TableOption {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaxEntries bounds the number of concurrent transfers. Zero or less
// removes the bound.
func WithMaxEntries(n int) TableOption {
	return func(t *Table) {
		t.maxEntries = n
	}
}

// NewTable creates a reassembly table whose entries expire after timeout
// of inactivity.
func NewTable(timeout time.Duration, opts ...TableOption) *Table {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	t := &Table{
		entries:    make(map[Key]*entry),
		timeout:    timeout,
		maxEntries: MaxConcurrentReassembly,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddFragment records one fragment. When it completes the transfer, the
// entry is removed and the payloads are returned concatenated in index
// order with complete set to true. The table keeps payload without copying.
//
// The first fragment seen for a key fixes the fragment count; later
// fragments announcing another count are accepted into the same transfer as
// long as their index fits.
func (t *Table) AddFragment(sender netip.AddrPort, h Header, payload []byte) (message []byte, complete bool, err error) {
	if !h.Valid() {
		return nil, false, fmt.Errorf("fragment %d of %d: %w", h.FragmentIndex, h.TotalFragments, ErrMalformedPacket)
	}

	key := Key{Sender: sender, MessageID: h.MessageID}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
			return nil, false, fmt.Errorf("dropping transfer %s: %w", key, ErrTooManyTransfers)
		}
		e = &entry{
			totalFragments: h.TotalFragments,
			fragments:      make(map[uint16][]byte, h.TotalFragments),
			createdAt:      now,
		}
		t.entries[key] = e
	} else if h.FragmentIndex >= e.totalFragments {
		return nil, false, fmt.Errorf("transfer %s expects %d fragments, got index %d: %w",
			key, e.totalFragments, h.FragmentIndex, ErrFragmentMismatch)
	}

	if _, dup := e.fragments[h.FragmentIndex]; !dup {
		e.fragments[h.FragmentIndex] = payload
		e.size += len(payload)
	}
	e.lastUpdatedAt = now

	// Keys are always < totalFragments, so a full map means every index is present.
	if len(e.fragments) < int(e.totalFragments) {
		return nil, false, nil
	}

	delete(t.entries, key)

	message = make([]byte, 0, e.size)
	for i := 0; i < int(e.totalFragments); i++ {
		message = append(message, e.fragments[uint16(i)]...)
	}
	return message, true, nil
}

// Sweep removes every entry idle for longer than the timeout and returns
// how many were removed. Evicted transfers are dropped silently.
func (t *Table) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if now.Sub(e.lastUpdatedAt) > t.timeout {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of in-flight transfers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Contains reports whether a transfer is in flight.
func (t *Table) Contains(sender netip.AddrPort, messageID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[Key{Sender: sender, MessageID: messageID}]
	return ok
}

// Received returns how many distinct fragments a transfer holds, or -1 if
// the transfer is unknown.
func (t *Table) Received(sender netip.AddrPort, messageID uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[Key{Sender: sender, MessageID: messageID}]
	if !ok {
		return -1
	}
	return len(e.fragments)
}

// Timeout returns the inactivity timeout.
func (t *Table) Timeout() time.Duration {
	return t.timeout
}
