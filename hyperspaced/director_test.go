package hyperspaced

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/hyper"
	"github.com/hyperspace-platform/hyperspace/mock"
)

// sinkCollector gathers IPv6 packets delivered to the local stack.
type sinkCollector struct {
	mu      sync.Mutex
	packets [][]byte
}

func (m *sinkCollector) accept(buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, append([]byte(nil), buf...))
}

func (m *sinkCollector) all() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.packets
}

func nodeConfig(short uint16, x float64) *Config {
	cfg := DefaultConfig()
	cfg.Node.ShortAddr = short
	cfg.Node.X = x
	cfg.Schedule = []SlotframeConfig{
		{
			ID:       1,
			NumSlots: 4,
			Links: []LinkConfig{
				{Index: 0, Role: "tx"},
				{Index: 1, Role: "rx"},
			},
		},
	}
	return cfg
}

func Test_Director_TwoNodeExchange(t *testing.T) {
	timerA := mock.NewTimer(0, 30)
	timerB := mock.NewTimer(0, 30)
	radioA, radioB := mock.NewRadioPair(timerA.NowUS)

	var sinkA, sinkB sinkCollector

	dirA, err := NewDirector(nodeConfig(0x0001, 0),
		WithHAL(timerA), WithRadio(radioA),
		WithLocalSink(sinkA.accept),
		WithLog(zap.NewNop().Sugar()))
	require.NoError(t, err)

	dirB, err := NewDirector(nodeConfig(0x0002, 1.0),
		WithHAL(timerB), WithRadio(radioB),
		WithLocalSink(sinkB.accept),
		WithLog(zap.NewNop().Sugar()))
	require.NoError(t, err)

	dirA.Grid().Start()
	dirB.Grid().Start()

	// A originates a packet toward B's link-local address. No route is
	// known yet: the stack floods and starts coordinate discovery.
	srcLL := netip.MustParseAddr("fe80::ff:fe00:1")
	dstLL := netip.MustParseAddr("fe80::ff:fe00:2")
	coord, seq := dirA.Engine().Self().Current()

	payload := []byte("hello mesh")
	original := hyper.BuildPacket(srcLL, dstLL, 64, hyper.Opt{
		Src:    coord,
		SrcSeq: seq,
		Dst:    hyper.Unknown(),
	}, 59, payload)

	require.NoError(t, dirA.SendIPv6(append([]byte(nil), original...)))

	// Two slotframe periods drain the TX queue (data plus the discovery
	// probe); one RX pass at B delivers everything.
	timerA.Advance(10 * 10_000)
	timerB.Advance(10 * 10_000)

	delivered := sinkB.all()
	require.NotEmpty(t, delivered)

	var gotPayload bool
	for _, pkt := range delivered {
		p, err := hyper.ParsePacket(pkt)
		require.NoError(t, err)
		assert.Equal(t, srcLL, p.Src())
		if string(pkt[len(pkt)-len(payload):]) == string(payload) {
			gotPayload = true
		}
	}
	assert.True(t, gotPayload, "data packet must reach B's local stack")

	// B learned a route back to A from the packet option.
	e, ok := dirB.Engine().Routes().Find(srcLL)
	require.True(t, ok)
	assert.True(t, e.Valid)

	assert.Empty(t, sinkA.all())
}

func Test_Director_SlotAccounting(t *testing.T) {
	timer := mock.NewTimer(0, 30)
	r, _ := mock.NewRadioPair(timer.NowUS)

	dir, err := NewDirector(nodeConfig(0x0001, 0),
		WithHAL(timer), WithRadio(r),
		WithLog(zap.NewNop().Sugar()))
	require.NoError(t, err)

	dir.Grid().Start()
	timer.Advance(8 * 10_000)

	infos, err := dir.Grid().DumpSlots("sf1/*")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.NotZero(t, info.Count)
		assert.Zero(t, info.Dropcount)
	}
}

func Test_Director_RejectsUnknownRole(t *testing.T) {
	cfg := nodeConfig(0x0001, 0)
	cfg.Schedule[0].Links[0].Role = "beacon"

	timer := mock.NewTimer(0, 30)
	r, _ := mock.NewRadioPair(timer.NowUS)

	_, err := NewDirector(cfg, WithHAL(timer), WithRadio(r))
	assert.Error(t, err)
}

func Test_Director_InstallsContexts(t *testing.T) {
	cfg := nodeConfig(0x0001, 0)
	cfg.Lowpan.Contexts = []ContextConfig{
		{ID: 1, Prefix: "2001:db8::/64"},
	}

	timer := mock.NewTimer(0, 30)
	r, _ := mock.NewRadioPair(timer.NowUS)

	_, err := NewDirector(cfg, WithHAL(timer), WithRadio(r))
	require.NoError(t, err)

	cfg.Lowpan.Contexts = []ContextConfig{{ID: 0, Prefix: "2001:db8::/64"}}
	_, err = NewDirector(cfg, WithHAL(timer), WithRadio(r))
	assert.Error(t, err)
}
