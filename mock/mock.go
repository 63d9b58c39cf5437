// Package mock provides in-memory stand-ins for the platform timer and
// the radio, so the whole stack runs deterministically in tests and on
// development hosts without hardware.
package mock

import (
	"sync"

	"github.com/hyperspace-platform/hyperspace/radio"
)

// Timer is a virtual two-tier timer: time only moves when Advance is
// called, and due compares fire synchronously inside it.
type Timer struct {
	mu sync.Mutex

	now    uint64
	coarse uint64

	compareAt    uint64
	compareArmed bool
	powerAt      uint64
	powerArmed   bool

	onCompare func(uint64)
	onPowerUp func(uint64)
}

// NewTimer constructs a timer at the given start time with the given
// coarse tick length.
func NewTimer(startUS, coarseUS uint64) *Timer {
	return &Timer{
		now:    startUS,
		coarse: coarseUS,
	}
}

func (m *Timer) NowUS() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Timer) CoarseTickUS() uint64 {
	return m.coarse
}

func (m *Timer) ArmCompare(tstampUS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compareAt = tstampUS
	m.compareArmed = true
}

func (m *Timer) ArmPowerUp(tstampUS uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerAt = tstampUS
	m.powerArmed = true
}

func (m *Timer) CancelCompare() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compareArmed = false
}

func (m *Timer) SetHandlers(onCompare, onPowerUp func(uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompare = onCompare
	m.onPowerUp = onPowerUp
}

// Advance moves virtual time forward, firing every due compare and
// power-up event in timestamp order. Handlers run with the timer unlocked
// and may re-arm it.
func (m *Timer) Advance(us uint64) {
	m.mu.Lock()
	target := m.now + us
	m.mu.Unlock()

	for {
		m.mu.Lock()

		var (
			at      uint64
			fn      func(uint64)
			compare bool
			hit     bool
		)
		if m.powerArmed && m.powerAt <= target {
			at, fn, hit = m.powerAt, m.onPowerUp, true
		}
		if m.compareArmed && m.compareAt <= target && (!hit || m.compareAt < at) {
			at, fn, compare, hit = m.compareAt, m.onCompare, true, true
		}

		if !hit {
			m.now = target
			m.mu.Unlock()
			return
		}

		if at > m.now {
			m.now = at
		}
		if compare {
			m.compareArmed = false
		} else {
			m.powerArmed = false
		}
		m.mu.Unlock()

		if fn != nil {
			fn(at)
		}
	}
}

// Radio is one end of an in-memory radio link. Frames transmitted on one
// end appear in the peer's receive queue.
type Radio struct {
	mu     sync.Mutex
	peer   *Radio
	rx     []radio.Frame
	rxOpen bool
	cfg    radio.Config
	now    func() uint64
}

// NewRadioPair returns two radios wired back to back, timestamping with
// the given clock.
func NewRadioPair(now func() uint64) (*Radio, *Radio) {
	a := &Radio{now: now}
	b := &Radio{now: now}
	a.peer = b
	b.peer = a
	return a, b
}

func (m *Radio) Configure(cfg radio.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	return nil
}

func (m *Radio) TX(frame []byte, delayedUS uint64) (uint64, error) {
	at := m.now()
	if delayedUS > at {
		at = delayedUS
	}

	buf := append([]byte(nil), frame...)

	m.peer.mu.Lock()
	defer m.peer.mu.Unlock()
	if m.peer.rxOpen {
		m.peer.rx = append(m.peer.rx, radio.Frame{Bytes: buf, Tstamp: at, RSSI: -60})
	}
	return at, nil
}

func (m *Radio) RXEnable(uint64, uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxOpen = true
	return nil
}

// RXDisable closes the receiver.
func (m *Radio) RXDisable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rxOpen = false
}

func (m *Radio) RXDrain() (radio.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.rx) == 0 {
		return radio.Frame{}, radio.ErrNoFrame
	}
	f := m.rx[0]
	m.rx = m.rx[1:]
	return f, nil
}

func (m *Radio) ClockOffset() (float64, error) {
	return 0, nil
}
