// Package tsch implements the TSCH timeslot scheduler: multiple slotframes
// of independent periods run against one hardware timer, and the grid
// fires the slot with the smallest forward distance to the next absolute
// slot number.
package tsch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/internal/wrap"
)

// PeriodUS is the scheduler's time wrap period in microseconds.
const PeriodUS uint64 = ^uint64(0) / 1_000_000

// Grid is the scheduling context: it owns the slotframes, anchors ASN 0
// to an absolute timestamp and keeps the timer armed for the next slot.
type Grid struct {
	mu  sync.Mutex
	cfg *Config
	hal HAL
	log *zap.SugaredLogger

	started bool

	tasn0    uint64
	lastASN  uint64
	lastTime uint64

	nextASN    uint64
	nextTime   uint64
	active     *Slotframe
	activeSlot *Slot

	slotframes []*Slotframe

	powerDown func()
	powerUp   func()
}

// GridOption configures optional grid collaborators.
type GridOption func(*Grid)

// WithPowerHooks installs the radio power management hooks. The power-down
// hook runs when the idle gap ahead is long enough to be worth it; the
// power-up hook runs PowerUpUS before the next slot boundary.
func WithPowerHooks(up, down func()) GridOption {
	return func(g *Grid) {
		g.powerUp = up
		g.powerDown = down
	}
}

// NewGrid constructs a grid over the given timer HAL.
func NewGrid(cfg *Config, hal HAL, log *zap.SugaredLogger, options ...GridOption) *Grid {
	g := &Grid{
		cfg: cfg,
		hal: hal,
		log: log,
	}
	for _, o := range options {
		o(g)
	}
	hal.SetHandlers(g.onCompare, g.onPowerUp)
	return g
}

// Start anchors ASN 0 at the current time and arms the timer.
func (g *Grid) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.started = true
	g.syncLocked(0, g.hal.NowUS())
}

// Lock masks the slot interrupt: the compare handler cannot run while the
// lock is held. It is the ISR-safe critical-section primitive for state
// the slot handlers share.
func (g *Grid) Lock() {
	g.mu.Lock()
}

// Unlock unmasks the slot interrupt.
func (g *Grid) Unlock() {
	g.mu.Unlock()
}

// AddSlotframe installs a slotframe. Smaller IDs take priority in
// scheduling tie-breaks.
func (g *Grid) AddSlotframe(sf *Slotframe) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos := sort.Search(len(g.slotframes), func(i int) bool {
		return g.slotframes[i].ID >= sf.ID
	})
	if pos < len(g.slotframes) && g.slotframes[pos].ID == sf.ID {
		return fmt.Errorf("%w: id %d", ErrSlotframeExists, sf.ID)
	}

	g.slotframes = append(g.slotframes, nil)
	copy(g.slotframes[pos+1:], g.slotframes[pos:])
	g.slotframes[pos] = sf

	g.scheduleLocked(g.lastASN + 1)
	return nil
}

// RemoveSlotframe takes a slotframe out of the grid.
func (g *Grid) RemoveSlotframe(id uint16) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, sf := range g.slotframes {
		if sf.ID == id {
			g.slotframes = append(g.slotframes[:i], g.slotframes[i+1:]...)
			break
		}
	}
	g.scheduleLocked(g.lastASN + 1)
}

// Slotframe returns the slotframe with the given ID.
func (g *Grid) Slotframe(id uint16) (*Slotframe, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sf := range g.slotframes {
		if sf.ID == id {
			return sf, true
		}
	}
	return nil, false
}

// AddSlot installs a slot and re-arms the timer: a slot added to an empty
// grid must fire without waiting for anything else to happen.
func (g *Grid) AddSlot(sfID uint16, index uint32, flags SlotFlags, handler Handler) (*Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sf *Slotframe
	for _, candidate := range g.slotframes {
		if candidate.ID == sfID {
			sf = candidate
			break
		}
	}
	if sf == nil {
		return nil, fmt.Errorf("no slotframe with id %d", sfID)
	}

	slot, err := sf.AddSlot(index, flags, handler)
	if err != nil {
		return nil, err
	}
	g.scheduleLocked(g.lastASN + 1)
	return slot, nil
}

// RemoveSlot takes a slot out of its slotframe. Removing the currently
// scheduled slot invalidates the grid's next pointer and recomputes the
// schedule before the timer can fire it.
func (g *Grid) RemoveSlot(slot *Slot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot.sf.RemoveSlot(slot)
	if g.activeSlot == slot {
		g.activeSlot = nil
	}
	g.scheduleLocked(g.lastASN + 1)
}

// Sync re-anchors the ASN/time correspondence: the given ASN happened at
// the given timestamp. The timer is re-armed from the new anchor.
func (g *Grid) Sync(asn, tstampUS uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncLocked(asn, tstampUS)
}

func (g *Grid) syncLocked(asn, tstampUS uint64) {
	g.tasn0 = wrap.SubMod(tstampUS, asn*g.cfg.CellLengthUS%PeriodUS, PeriodUS)
	g.lastASN = asn
	g.lastTime = tstampUS
	g.scheduleLocked(asn + 1)
}

// Offset shifts the time anchor by delta microseconds, atomically with
// respect to the compare interrupt.
func (g *Grid) Offset(deltaUS int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	shift := func(t uint64) uint64 {
		if deltaUS >= 0 {
			return wrap.AddMod(t, uint64(deltaUS), PeriodUS)
		}
		return wrap.SubMod(t, uint64(-deltaUS), PeriodUS)
	}

	g.tasn0 = shift(g.tasn0)
	g.lastTime = shift(g.lastTime)
	if g.activeSlot != nil {
		g.nextTime = shift(g.nextTime)
		g.hal.ArmCompare(g.nextTime)
	}
}

// TimeToASN converts an absolute microsecond timestamp to the ASN it
// falls in. The conversion biases the reading by one coarse tick so a
// read racing the tick lands on the boundary it belongs to.
func (g *Grid) TimeToASN(tstampUS uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeToASNLocked(tstampUS)
}

func (g *Grid) timeToASNLocked(tstampUS uint64) uint64 {
	diff := wrap.SubMod(tstampUS, g.tasn0, PeriodUS)
	return (diff + g.hal.CoarseTickUS()) / g.cfg.CellLengthUS
}

// ASNToTime converts an ASN to its slot-boundary timestamp.
func (g *Grid) ASNToTime(asn uint64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.asnToTimeLocked(asn)
}

func (g *Grid) asnToTimeLocked(asn uint64) uint64 {
	return wrap.AddMod(g.tasn0, asn*g.cfg.CellLengthUS%PeriodUS, PeriodUS)
}

// Next reports the currently scheduled slot.
func (g *Grid) Next() (asn uint64, sfID uint16, index uint32, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.activeSlot == nil {
		return 0, 0, 0, false
	}
	return g.nextASN, g.active.ID, g.activeSlot.Index, true
}

// scheduleLocked picks the next slot across all slotframes starting at
// fromASN and arms the timer for it.
//
// Selection: each slotframe proposes its closest slot measured in its own
// modulus; the smallest forward distance wins, ties going to the smaller
// slotframe ID.
func (g *Grid) scheduleLocked(fromASN uint64) {
	if !g.started {
		return
	}

	var (
		bestSF   *Slotframe
		bestSlot *Slot
		bestDist uint64
		found    bool
	)
	// Slotframes are ordered by ascending ID: a strict comparison keeps
	// the first (highest-priority) one on ties.
	for _, sf := range g.slotframes {
		slot, dist, ok := sf.nextSlot(fromASN)
		if !ok {
			continue
		}
		if !found || dist < bestDist {
			found = true
			bestSF, bestSlot, bestDist = sf, slot, dist
		}
	}

	if !found {
		g.active = nil
		g.activeSlot = nil
		g.hal.CancelCompare()
		return
	}

	nextASN := fromASN + bestDist
	nextTime := g.asnToTimeLocked(nextASN)

	now := g.hal.NowUS()
	if wrap.Diff(nextTime, now, PeriodUS) <= 0 {
		// Programmed late: fire at the earliest next opportunity and let
		// the handler re-normalise.
		nextTime = wrap.AddMod(now, 2*g.hal.CoarseTickUS(), PeriodUS)
	}

	g.active = bestSF
	g.activeSlot = bestSlot
	g.nextASN = nextASN
	g.nextTime = nextTime

	if g.powerDown != nil {
		idle := wrap.SubMod(nextTime, now, PeriodUS)
		if idle >= g.cfg.PowerUpUS+g.cfg.PowerDownUS {
			g.powerDown()
			g.hal.ArmPowerUp(wrap.SubMod(nextTime, g.cfg.PowerUpUS, PeriodUS))
		}
	}
	g.hal.ArmCompare(nextTime)
}

// onCompare is the slot interrupt body: dispatch the scheduled slot's
// handler, account for it and arm the next one.
func (g *Grid) onCompare(nowUS uint64) {
	g.mu.Lock()
	slot := g.activeSlot
	asn := g.nextASN
	t := g.nextTime
	g.lastASN = asn
	g.lastTime = t
	g.activeSlot = nil
	g.mu.Unlock()

	if slot != nil && slot.Handler != nil {
		ctx := &SlotContext{Grid: g, Slot: slot, ASN: asn, TimeUS: t}
		err := slot.Handler.HandleSlot(ctx)
		if err == nil && wrap.Diff(g.hal.NowUS(), wrap.AddMod(t, g.cfg.CellLengthUS, PeriodUS), PeriodUS) > 0 {
			err = fmt.Errorf("handler overran its slot")
		}
		if err != nil {
			slot.Dropcount++
			g.log.Debugw("slot handler failed",
				zap.Uint16("slotframe", slot.sf.ID),
				zap.Uint32("slot", slot.Index),
				zap.Uint64("asn", asn),
				zap.Error(err),
			)
		}
		slot.Count++
	}

	g.mu.Lock()
	if g.activeSlot == nil {
		// A removal inside the handler may already have rescheduled.
		g.scheduleLocked(asn + 1)
	}
	g.mu.Unlock()
}

func (g *Grid) onPowerUp(uint64) {
	if g.powerUp != nil {
		g.powerUp()
	}
}

// SlotInfo is one row of the grid inspection dump.
type SlotInfo struct {
	Slotframe uint16
	Index     uint32
	Flags     SlotFlags
	Count     uint64
	Dropcount uint64
}

// DumpSlots returns accounting for every slot whose "sf<id>/<index>" name
// matches the glob pattern.
func (g *Grid) DumpSlots(pattern string) ([]SlotInfo, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid slot filter: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]SlotInfo, 0)
	for _, sf := range g.slotframes {
		for _, slot := range sf.slots {
			if !matcher.Match(fmt.Sprintf("sf%d/%d", sf.ID, slot.Index)) {
				continue
			}
			out = append(out, SlotInfo{
				Slotframe: sf.ID,
				Index:     slot.Index,
				Flags:     slot.Flags,
				Count:     slot.Count,
				Dropcount: slot.Dropcount,
			})
		}
	}
	return out, nil
}
