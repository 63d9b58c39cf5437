package hyper

import (
	"net/netip"
	"sync"
	"time"

	"github.com/hyperspace-platform/hyperspace/internal/ring"
)

// pktKey identifies a packet for duplicate suppression.
type pktKey struct {
	src        netip.Addr
	packetID   uint16
	fragmented bool
	fragOffset uint16
}

type pktEntry struct {
	key pktKey
	at  time.Time
}

// PacketCache suppresses duplicate packets over a sliding time window.
//
// It is a bounded FIFO: inserting into a full cache drops the oldest
// entry. A single wake-up timer tracks the head entry's expiration; on
// fire it pops the head and re-arms for the next one.
type PacketCache struct {
	mu      sync.Mutex
	entries *ring.Ring[pktEntry]
	timeout time.Duration
	timer   *time.Timer
	closed  bool
	now     func() time.Time
}

// NewPacketCache constructs a packet cache of the given capacity and
// duplicate-suppression window.
func NewPacketCache(capacity int, timeout time.Duration) *PacketCache {
	return &PacketCache{
		entries: ring.New[pktEntry](capacity),
		timeout: timeout,
		now:     time.Now,
	}
}

// Insert records a packet and reports ErrDuplicate if an identical tuple
// is already cached.
func (m *PacketCache) Insert(src netip.Addr, packetID uint16, fragmented bool, fragOffset uint16) error {
	key := pktKey{src: src, packetID: packetID, fragmented: fragmented, fragOffset: fragOffset}

	m.mu.Lock()
	defer m.mu.Unlock()

	dup := false
	m.entries.Traverse(func(e *pktEntry) bool {
		if e.key == key {
			dup = true
			return false
		}
		return true
	})
	if dup {
		return ErrDuplicate
	}

	headChanged := m.entries.Len() == 0
	if _, evicted := m.entries.Push(pktEntry{key: key, at: m.now()}); evicted {
		headChanged = true
	}
	if headChanged {
		m.rearmLocked()
	}
	return nil
}

// Len returns the number of cached entries.
func (m *PacketCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Close cancels the expiration timer.
func (m *PacketCache) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// onExpire pops the expired head entry, then re-arms for the new head.
func (m *PacketCache) onExpire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if head, ok := m.entries.Peek(); ok && !m.now().Before(head.at.Add(m.timeout)) {
		m.entries.Pop()
	}
	m.rearmLocked()
}

func (m *PacketCache) rearmLocked() {
	if m.closed {
		return
	}
	head, ok := m.entries.Peek()
	if !ok {
		return
	}

	d := head.at.Add(m.timeout).Sub(m.now())
	if d < 0 {
		d = 0
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(d, m.onExpire)
		return
	}
	m.timer.Reset(d)
}
