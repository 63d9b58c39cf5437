package tsch

import (
	"math"
	"math/rand"
)

// SharedState is the state of the shared-cell access machine.
type SharedState uint8

const (
	SharedIdle SharedState = iota
	SharedAdv
	SharedTx
	SharedRx
	SharedCoolOff
)

func (s SharedState) String() string {
	switch s {
	case SharedIdle:
		return "idle"
	case SharedAdv:
		return "adv"
	case SharedTx:
		return "tx"
	case SharedRx:
		return "rx"
	default:
		return "cool-off"
	}
}

// SharedEvent is the channel feedback observed at the end of a shared
// slot.
type SharedEvent uint8

const (
	// EventIdle: nobody transmitted.
	EventIdle SharedEvent = iota
	// EventSuccess: exactly one transmission went through.
	EventSuccess
	// EventCollision: overlapping transmissions were detected.
	EventCollision
)

// BroadcastController supplies the transmit probability for shared-cell
// contention and digests channel feedback. The scheduler treats it as
// opaque.
type BroadcastController interface {
	TxProbability() float64
	Feedback(ev SharedEvent)
}

// BayesianController estimates the contender backlog from channel
// feedback and transmits with probability 1/backlog.
type BayesianController struct {
	backlog float64
}

// NewBayesianController returns a controller assuming a single contender.
func NewBayesianController() *BayesianController {
	return &BayesianController{backlog: 1}
}

// TxProbability returns min(1, 1/backlog).
func (m *BayesianController) TxProbability() float64 {
	return math.Min(1, 1/m.backlog)
}

// Feedback updates the backlog estimate.
func (m *BayesianController) Feedback(ev SharedEvent) {
	switch ev {
	case EventCollision:
		// A collision means at least two contenders were live.
		m.backlog += 1 / (math.E - 2)
	case EventSuccess:
		m.backlog = math.Max(1, m.backlog-1)
	case EventIdle:
		m.backlog = math.Max(1, m.backlog-0.1)
	}
}

// SharedCell is the cooperative state machine driving a shared slot.
//
// Each shared slot the owner advances the machine once with the local
// traffic demand and ends it with the observed channel feedback.
type SharedCell struct {
	state    SharedState
	ctrl     BroadcastController
	coolOff  int
	coolLeft int
	rng      func() float64
}

// NewSharedCell constructs a shared-cell machine with the given
// controller and cool-off count. After a successful transmission the
// machine sits out coolOff-1 slots and contends again in the coolOff-th.
func NewSharedCell(ctrl BroadcastController, coolOff int) *SharedCell {
	return &SharedCell{
		ctrl:    ctrl,
		coolOff: coolOff,
		rng:     rand.Float64,
	}
}

// State returns the current state.
func (m *SharedCell) State() SharedState {
	return m.state
}

// Advance runs one slot's worth of transitions and returns the state the
// slot should execute: Adv announces intent, Tx transmits, Rx listens.
func (m *SharedCell) Advance(hasTraffic bool) SharedState {
	switch m.state {
	case SharedIdle:
		if hasTraffic && m.rng() < m.ctrl.TxProbability() {
			m.state = SharedAdv
		} else {
			m.state = SharedRx
		}
	case SharedAdv:
		m.state = SharedTx
	case SharedTx, SharedRx:
		// Finish resolves these via Finish; reaching here means the
		// feedback never arrived, so re-contend.
		m.state = SharedIdle
		return m.Advance(hasTraffic)
	case SharedCoolOff:
		m.coolLeft--
		if m.coolLeft <= 0 {
			m.state = SharedIdle
			return m.Advance(hasTraffic)
		}
	}
	return m.state
}

// Finish feeds the slot outcome back: a successful transmission enters
// cool-off, a collision re-contends, listening returns to idle.
func (m *SharedCell) Finish(ev SharedEvent) {
	m.ctrl.Feedback(ev)

	switch m.state {
	case SharedTx:
		if ev == EventSuccess {
			m.state = SharedCoolOff
			m.coolLeft = m.coolOff
		} else {
			m.state = SharedIdle
		}
	case SharedRx:
		m.state = SharedIdle
	}
}
