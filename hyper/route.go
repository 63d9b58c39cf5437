package hyper

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/internal/pool"
	"github.com/hyperspace-platform/hyperspace/internal/wrap"
)

// RouteEntry is the soft state kept per destination: the last known
// coordinate and the bookkeeping of its discovery.
type RouteEntry struct {
	Dst      netip.Addr
	Coord    Coord
	Seq      uint8
	Iface    int
	LastUsed time.Time
	Requests int
	Valid    bool

	idx    uint32
	cancel context.CancelFunc
}

// RouteTable is a bounded pool of route entries keyed by destination IPv6
// address. Lookup is a linear scan under the table mutex; a returned entry
// stays valid until the next mutation.
type RouteTable struct {
	mu   sync.Mutex
	pool *pool.Pool[RouteEntry]

	timeout        time.Duration
	requestTimeout time.Duration
	maxRequests    int

	// requestFn emits one coordinate request toward the destination.
	requestFn func(dst netip.Addr)

	log *zap.SugaredLogger
	now func() time.Time
}

// NewRouteTable constructs a route table of the given capacity.
func NewRouteTable(capacity uint32, timeout, requestTimeout time.Duration, maxRequests int, log *zap.SugaredLogger) *RouteTable {
	return &RouteTable{
		pool:           pool.New[RouteEntry](capacity),
		timeout:        timeout,
		requestTimeout: requestTimeout,
		maxRequests:    maxRequests,
		requestFn:      func(netip.Addr) {},
		log:            log,
		now:            time.Now,
	}
}

// SetRequestFn installs the coordinate-request emitter.
func (m *RouteTable) SetRequestFn(fn func(dst netip.Addr)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestFn = fn
}

// Find returns the entry for the destination and refreshes its last-used
// timestamp.
func (m *RouteTable) Find(dst netip.Addr) (*RouteEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(dst)
	if e == nil {
		return nil, false
	}
	e.LastUsed = m.now()
	return e, true
}

func (m *RouteTable) findLocked(dst netip.Addr) *RouteEntry {
	var out *RouteEntry
	m.pool.Traverse(func(_ uint32, e *RouteEntry) bool {
		if e.Dst == dst {
			out = e
			return false
		}
		return true
	})
	return out
}

// Alloc reserves a blank entry for the destination. On a full pool it
// first evicts entries idle longer than the route timeout; if the pool is
// still full the allocation fails with ErrNoResources.
func (m *RouteTable) Alloc(dst netip.Addr, iface int) (*RouteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.findLocked(dst); e != nil {
		return e, nil
	}

	idx, e, err := m.pool.Alloc()
	if err != nil {
		m.cleanLocked()
		if idx, e, err = m.pool.Alloc(); err != nil {
			return nil, fmt.Errorf("%w: route table full", ErrNoResources)
		}
	}

	*e = RouteEntry{
		Dst:      dst,
		Coord:    Unknown(),
		Iface:    iface,
		LastUsed: m.now(),
		idx:      idx,
	}
	return e, nil
}

// Remove releases the entry and cancels its retry timer.
func (m *RouteTable) Remove(e *RouteEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(e)
}

func (m *RouteTable) removeLocked(e *RouteEntry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	m.pool.Free(e.idx)
}

// Clean evicts every entry whose last-used age exceeds the route timeout.
func (m *RouteTable) Clean() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanLocked()
}

func (m *RouteTable) cleanLocked() {
	deadline := m.now().Add(-m.timeout)

	stale := make([]*RouteEntry, 0)
	m.pool.Traverse(func(_ uint32, e *RouteEntry) bool {
		if e.LastUsed.Before(deadline) {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		m.log.Debugw("evicting stale route", zap.Stringer("dst", e.Dst))
		m.removeLocked(e)
	}
}

// Update installs a coordinate observed for the destination, creating the
// entry if needed. Older sequence numbers are ignored; a newer one updates
// the entry and cancels any pending coordinate request.
func (m *RouteTable) Update(dst netip.Addr, c Coord, seq uint8, iface int) {
	if !c.Valid() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.findLocked(dst)
	if e == nil {
		idx, fresh, err := m.pool.Alloc()
		if err != nil {
			m.cleanLocked()
			if idx, fresh, err = m.pool.Alloc(); err != nil {
				return
			}
		}
		*fresh = RouteEntry{Dst: dst, Iface: iface, idx: idx}
		e = fresh
	} else if e.Valid && !wrap.SeqNewer(seq, e.Seq) {
		e.LastUsed = m.now()
		return
	}

	e.Coord = c
	e.Seq = seq
	e.Valid = true
	e.LastUsed = m.now()
	e.Requests = 0
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Len returns the number of live entries.
func (m *RouteTable) Len() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Len()
}

// StartRequest sends the first coordinate request for the entry and arms
// the retry loop: each timeout retransmits, up to the request budget, and
// an exhausted budget removes the route.
func (m *RouteTable) StartRequest(e *RouteEntry) {
	m.mu.Lock()
	if e.cancel != nil {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.Requests = 1
	dst := e.Dst
	fn := m.requestFn
	m.mu.Unlock()

	fn(dst)

	go m.retryLoop(ctx, dst, fn)
}

func (m *RouteTable) retryLoop(ctx context.Context, dst netip.Addr, fn func(netip.Addr)) {
	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     m.requestTimeout,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         4 * m.requestTimeout,
	})
	defer ticker.Stop()

	// The ticker fires once immediately; StartRequest already sent that
	// request, so the first retransmit waits for the first interval.
	select {
	case <-ctx.Done():
		return
	case <-ticker.C:
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			e := m.findLocked(dst)
			if e == nil || e.Valid {
				m.mu.Unlock()
				return
			}
			if e.Requests >= m.maxRequests {
				m.log.Debugw("coordinate discovery exhausted",
					zap.Stringer("dst", dst),
					zap.Error(ErrTimeout),
				)
				m.removeLocked(e)
				m.mu.Unlock()
				return
			}
			e.Requests++
			m.mu.Unlock()

			fn(dst)
		}
	}
}
