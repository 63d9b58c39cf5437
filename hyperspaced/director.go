// Package hyperspaced wires the TSCH grid, the hyperbolic routing engine,
// the frame codec and the 6LoWPAN adaptation layer into a runnable mesh
// node.
package hyperspaced

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperspace-platform/hyperspace/hyper"
	"github.com/hyperspace-platform/hyperspace/lowpan"
	"github.com/hyperspace-platform/hyperspace/mock"
	"github.com/hyperspace-platform/hyperspace/radio"
	"github.com/hyperspace-platform/hyperspace/tsch"
)

type options struct {
	Log      *zap.SugaredLogger
	LogLevel *zap.AtomicLevel
	HAL      tsch.HAL
	Radio    radio.Radio
	Sink     func([]byte)
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// DirectorOption is a function that configures the hyperspace director.
type DirectorOption func(*options)

// WithLog sets the logger for the director.
func WithLog(log *zap.SugaredLogger) DirectorOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithAtomicLogLevel sets the atomic logger level for the director.
//
// This level can be changed at runtime.
func WithAtomicLogLevel(level *zap.AtomicLevel) DirectorOption {
	return func(o *options) {
		o.LogLevel = level
	}
}

// WithHAL injects the platform timer. Without it the director runs on the
// mock timer, advanced from wall time.
func WithHAL(hal tsch.HAL) DirectorOption {
	return func(o *options) {
		o.HAL = hal
	}
}

// WithRadio injects the radio driver. Without it the director runs on one
// end of a mock radio pair whose other end is unused.
func WithRadio(r radio.Radio) DirectorOption {
	return func(o *options) {
		o.Radio = r
	}
}

// WithLocalSink installs the receiver of IPv6 packets addressed to this
// node.
func WithLocalSink(fn func([]byte)) DirectorOption {
	return func(o *options) {
		o.Sink = fn
	}
}

// Director is the hyperspace node: it owns every subsystem and runs the
// grid against the timer.
type Director struct {
	cfg    *Config
	log    *zap.SugaredLogger
	grid   *tsch.Grid
	engine *hyper.Engine
	device *device

	mockTimer *mock.Timer
}

// NewDirector creates a hyperspace node from the given config.
func NewDirector(cfg *Config, opts ...DirectorOption) (*Director, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := o.Log
	log.Infof("initializing hyperspace node %#04x ...", cfg.Node.ShortAddr)

	contexts := lowpan.NewContextTable()
	for _, c := range cfg.Lowpan.Contexts {
		prefix, err := netip.ParsePrefix(c.Prefix)
		if err != nil {
			return nil, fmt.Errorf("invalid context %d prefix: %w", c.ID, err)
		}
		if err := contexts.Add(c.ID, prefix); err != nil {
			return nil, fmt.Errorf("installing context %d: %w", c.ID, err)
		}
	}
	comp := lowpan.NewCompressor(contexts)
	comp.ElideUDPChecksum = cfg.Lowpan.ElideUDPChecksum

	engine := hyper.NewEngine(cfg.Hyper, log)
	coord, seq := engine.Self().Update(hyper.Location{X: cfg.Node.X, Y: cfg.Node.Y, Z: cfg.Node.Z})
	log.Infow("derived own coordinate",
		zap.Float64("r", coord.R),
		zap.Float64("t", coord.T),
		zap.Uint8("seq", seq),
	)

	m := &Director{
		cfg:    cfg,
		log:    log,
		engine: engine,
	}

	hal := o.HAL
	if hal == nil {
		m.mockTimer = mock.NewTimer(0, 30)
		hal = m.mockTimer
	}

	r := o.Radio
	if r == nil {
		r, _ = mock.NewRadioPair(hal.NowUS)
	}
	if err := r.Configure(cfg.Radio); err != nil {
		return nil, fmt.Errorf("configuring radio: %w", err)
	}
	if err := r.RXEnable(0, 0); err != nil {
		return nil, fmt.Errorf("enabling receive: %w", err)
	}

	m.device = newDevice(cfg.Node, r, engine, comp, log)
	if o.Sink != nil {
		m.device.sink = o.Sink
	}
	engine.RequestCoordinate(m.device.requestCoordinate)

	m.grid = tsch.NewGrid(cfg.TSCH, hal, log)
	if err := m.installSchedule(); err != nil {
		return nil, err
	}

	return m, nil
}

// installSchedule builds the configured slotframes and binds slot
// handlers by role.
func (m *Director) installSchedule() error {
	for _, sfCfg := range m.cfg.Schedule {
		sf := tsch.NewSlotframe(sfCfg.ID, sfCfg.NumSlots)
		if err := m.grid.AddSlotframe(sf); err != nil {
			return err
		}

		for _, link := range sfCfg.Links {
			var (
				flags   tsch.SlotFlags
				handler tsch.Handler
			)
			switch link.Role {
			case "tx":
				flags = tsch.SlotTX
				handler = tsch.HandlerFunc(m.device.HandleTX)
			case "rx":
				flags = tsch.SlotRX
				handler = tsch.HandlerFunc(m.device.HandleRX)
			case "shared":
				flags = tsch.SlotTX | tsch.SlotRX | tsch.SlotShared
				handler = tsch.HandlerFunc(m.device.HandleShared)
			default:
				return fmt.Errorf("unknown slot role %q", link.Role)
			}

			if _, err := m.grid.AddSlot(sfCfg.ID, link.Index, flags, handler); err != nil {
				return err
			}
		}
	}
	return nil
}

// Grid returns the slot grid.
func (m *Director) Grid() *tsch.Grid {
	return m.grid
}

// Engine returns the routing engine.
func (m *Director) Engine() *hyper.Engine {
	return m.engine
}

// SendIPv6 hands a locally originated IPv6 packet to the stack.
func (m *Director) SendIPv6(buf []byte) error {
	return m.device.SendIPv6(buf)
}

// Run starts the grid and blocks until the context is canceled.
func (m *Director) Run(ctx context.Context) error {
	m.grid.Start()
	m.log.Infof("slot grid started")

	wg, ctx := errgroup.WithContext(ctx)

	if m.mockTimer != nil {
		// No platform timer: march the virtual clock along wall time.
		wg.Go(func() error {
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					m.mockTimer.Advance(10_000)
				}
			}
		})
	}

	if m.cfg.Debug.SlotFilter != "" {
		wg.Go(func() error {
			ticker := time.NewTicker(m.cfg.Debug.DumpInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					m.dumpSlots()
				}
			}
		})
	}

	<-ctx.Done()
	m.engine.Close()
	return wg.Wait()
}

func (m *Director) dumpSlots() {
	infos, err := m.grid.DumpSlots(m.cfg.Debug.SlotFilter)
	if err != nil {
		m.log.Warnw("slot dump failed", zap.Error(err))
		return
	}
	for _, info := range infos {
		m.log.Infow("slot",
			zap.Uint16("slotframe", info.Slotframe),
			zap.Uint32("index", info.Index),
			zap.Uint64("count", info.Count),
			zap.Uint64("dropcount", info.Dropcount),
		)
	}
}
