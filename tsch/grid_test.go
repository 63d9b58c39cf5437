package tsch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/mock"
)

func newTestGrid(t *testing.T) (*Grid, *mock.Timer) {
	t.Helper()

	timer := mock.NewTimer(1_000_000, 30)
	g := NewGrid(DefaultConfig(), timer, zap.NewNop().Sugar())
	g.Start()
	return g, timer
}

func Test_Grid_TieBreakSmallerID(t *testing.T) {
	g, _ := newTestGrid(t)

	a := NewSlotframe(1, 10)
	_, err := a.AddSlot(3, SlotTX, nil)
	require.NoError(t, err)
	b := NewSlotframe(2, 20)
	_, err = b.AddSlot(6, SlotRX, nil)
	require.NoError(t, err)

	require.NoError(t, g.AddSlotframe(a))
	require.NoError(t, g.AddSlotframe(b))

	// From ASN 1 the distances are 2 (A) and 5 (B): A wins and the next
	// fire is ASN 3.
	asn, sfID, index, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(3), asn)
	assert.Equal(t, uint16(1), sfID)
	assert.Equal(t, uint32(3), index)
}

func Test_Grid_TieBreakEqualDistance(t *testing.T) {
	g, _ := newTestGrid(t)

	a := NewSlotframe(1, 10)
	_, err := a.AddSlot(3, SlotTX, nil)
	require.NoError(t, err)
	b := NewSlotframe(2, 20)
	_, err = b.AddSlot(3, SlotRX, nil)
	require.NoError(t, err)

	require.NoError(t, g.AddSlotframe(a))
	require.NoError(t, g.AddSlotframe(b))

	// Both propose ASN 3: the smaller slotframe ID wins.
	_, sfID, _, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, uint16(1), sfID)
}

func Test_Grid_FiresHandlerAtSlotBoundary(t *testing.T) {
	g, timer := newTestGrid(t)

	fired := make([]uint64, 0)
	sf := NewSlotframe(1, 4)
	require.NoError(t, g.AddSlotframe(sf))
	_, err := g.AddSlot(1, 2, SlotTX, HandlerFunc(func(ctx *SlotContext) error {
		fired = append(fired, ctx.ASN)
		return nil
	}))
	require.NoError(t, err)

	// Two full slotframe periods: the slot is active at ASN 2 and 6.
	timer.Advance(8 * g.cfg.CellLengthUS)

	require.Len(t, fired, 2)
	assert.Equal(t, uint64(2), fired[0])
	assert.Equal(t, uint64(6), fired[1])
}

func Test_Grid_AddSlotToEmptyGridArms(t *testing.T) {
	g, timer := newTestGrid(t)

	sf := NewSlotframe(1, 8)
	require.NoError(t, g.AddSlotframe(sf))

	_, _, _, ok := g.Next()
	assert.False(t, ok)

	fired := 0
	_, err := g.AddSlot(0, 0, SlotRX, HandlerFunc(func(*SlotContext) error {
		fired++
		return nil
	}))
	require.NoError(t, err)

	_, _, _, ok = g.Next()
	require.True(t, ok)

	timer.Advance(9 * g.cfg.CellLengthUS)
	assert.Equal(t, 1, fired)
}

func Test_Grid_RemoveScheduledSlotRecomputes(t *testing.T) {
	g, _ := newTestGrid(t)

	sf := NewSlotframe(1, 10)
	require.NoError(t, g.AddSlotframe(sf))

	near, err := g.AddSlot(1, 2, SlotTX, nil)
	require.NoError(t, err)
	_, err = g.AddSlot(1, 7, SlotTX, nil)
	require.NoError(t, err)

	asn, _, index, ok := g.Next()
	require.True(t, ok)
	require.Equal(t, uint32(2), index)
	require.Equal(t, uint64(2), asn)

	g.RemoveSlot(near)

	asn, _, index, ok = g.Next()
	require.True(t, ok)
	assert.Equal(t, uint32(7), index)
	assert.Equal(t, uint64(7), asn)
}

func Test_Grid_DropcountOnHandlerError(t *testing.T) {
	g, timer := newTestGrid(t)

	sf := NewSlotframe(1, 2)
	require.NoError(t, g.AddSlotframe(sf))
	slot, err := g.AddSlot(1, 0, SlotTX, HandlerFunc(func(*SlotContext) error {
		return errors.New("radio stuck")
	}))
	require.NoError(t, err)

	timer.Advance(4 * g.cfg.CellLengthUS)

	assert.Equal(t, slot.Dropcount, slot.Count)
	assert.NotZero(t, slot.Dropcount)
}

func Test_Grid_TimeASNRoundtrip(t *testing.T) {
	g, _ := newTestGrid(t)

	for _, asn := range []uint64{0, 1, 7, 1000, 1 << 30} {
		assert.Equal(t, asn, g.TimeToASN(g.ASNToTime(asn)), "asn %d", asn)
	}
}

func Test_Grid_SyncShiftsAnchor(t *testing.T) {
	g, timer := newTestGrid(t)

	sf := NewSlotframe(1, 4)
	require.NoError(t, g.AddSlotframe(sf))

	fired := make([]uint64, 0)
	_, err := g.AddSlot(1, 0, SlotRX, HandlerFunc(func(ctx *SlotContext) error {
		fired = append(fired, ctx.ASN)
		return nil
	}))
	require.NoError(t, err)

	// Resynchronise: ASN 100 is happening right now.
	g.Sync(100, timer.NowUS())

	timer.Advance(5 * g.cfg.CellLengthUS)
	require.NotEmpty(t, fired)
	// The slot at index 0 next fires at ASN 104.
	assert.Equal(t, uint64(104), fired[0])
}

func Test_Grid_LateProgrammingFiresSoon(t *testing.T) {
	g, timer := newTestGrid(t)

	sf := NewSlotframe(1, 4)
	require.NoError(t, g.AddSlotframe(sf))

	fired := 0
	_, err := g.AddSlot(1, 1, SlotTX, HandlerFunc(func(*SlotContext) error {
		fired++
		return nil
	}))
	require.NoError(t, err)

	// Anchor far in the past: every boundary computed from it is already
	// gone, so the grid must fall back to "two coarse ticks from now".
	g.Sync(0, timer.NowUS()-1_000_000_000)

	timer.Advance(3 * timer.CoarseTickUS())
	assert.NotZero(t, fired)
}

func Test_Grid_PowerHooks(t *testing.T) {
	timer := mock.NewTimer(1_000_000, 30)

	downs, ups := 0, 0
	g := NewGrid(DefaultConfig(), timer, zap.NewNop().Sugar(),
		WithPowerHooks(func() { ups++ }, func() { downs++ }))
	g.Start()

	sf := NewSlotframe(1, 100)
	require.NoError(t, g.AddSlotframe(sf))
	_, err := g.AddSlot(1, 50, SlotTX, nil)
	require.NoError(t, err)

	// The gap to ASN 50 dwarfs power-up+power-down: the radio powers
	// down immediately and powers back up just before the slot.
	require.NotZero(t, downs)
	assert.Zero(t, ups)

	timer.Advance(51 * g.cfg.CellLengthUS)
	assert.NotZero(t, ups)
}

func Test_Grid_DumpSlotsGlob(t *testing.T) {
	g, _ := newTestGrid(t)

	a := NewSlotframe(1, 10)
	b := NewSlotframe(2, 10)
	require.NoError(t, g.AddSlotframe(a))
	require.NoError(t, g.AddSlotframe(b))

	_, err := g.AddSlot(1, 0, SlotTX, nil)
	require.NoError(t, err)
	_, err = g.AddSlot(1, 5, SlotRX, nil)
	require.NoError(t, err)
	_, err = g.AddSlot(2, 5, SlotShared, nil)
	require.NoError(t, err)

	all, err := g.DumpSlots("*")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := g.DumpSlots("sf1/*")
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	_, err = g.DumpSlots("[")
	assert.Error(t, err)
}

func Test_Slotframe_NextSlotModulus(t *testing.T) {
	sf := NewSlotframe(1, 10)
	_, err := sf.AddSlot(2, SlotTX, nil)
	require.NoError(t, err)
	_, err = sf.AddSlot(8, SlotTX, nil)
	require.NoError(t, err)

	cases := []struct {
		asn      uint64
		index    uint32
		distance uint64
	}{
		{0, 2, 2},
		{2, 2, 0},
		{3, 8, 5},
		{9, 2, 3},
		{12, 2, 0},
		{19, 2, 3},
	}

	for _, c := range cases {
		slot, dist, ok := sf.nextSlot(c.asn)
		require.True(t, ok)
		assert.Equal(t, c.index, slot.Index, "asn %d", c.asn)
		assert.Equal(t, c.distance, dist, "asn %d", c.asn)
	}
}

func Test_Slotframe_DuplicateIndexRejected(t *testing.T) {
	sf := NewSlotframe(1, 10)
	_, err := sf.AddSlot(2, SlotTX, nil)
	require.NoError(t, err)
	_, err = sf.AddSlot(2, SlotRX, nil)
	assert.ErrorIs(t, err, ErrSlotExists)
}
