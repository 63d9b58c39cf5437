package hyper

import (
	"fmt"
	"math"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/frame"
	"github.com/hyperspace-platform/hyperspace/internal/wrap"
)

// Next is a forwarding decision.
type Next struct {
	// LinkAddr is the next-hop link-layer address; the broadcast address
	// when the packet floods.
	LinkAddr frame.Addr
	// Local marks a packet that must be handed to the local stack (or a
	// subordinate interface) because this node is the local minimum.
	Local bool
}

// Engine is the stateless greedy forwarder plus its soft state: the own
// coordinate, the route table, the duplicate-suppression cache and the
// neighbor snapshot.
type Engine struct {
	cfg        *Config
	self       *CoordCache
	routes     *RouteTable
	cache      *PacketCache
	neighbours *NeighbourCache
	log        *zap.SugaredLogger

	pid atomic.Uint32
}

// EngineOption configures optional collaborators of the engine.
type EngineOption func(*Engine)

// WithNeighbourCache shares an externally owned neighbor cache.
func WithNeighbourCache(n *NeighbourCache) EngineOption {
	return func(m *Engine) {
		m.neighbours = n
	}
}

// NewEngine constructs a routing engine.
func NewEngine(cfg *Config, log *zap.SugaredLogger, options ...EngineOption) *Engine {
	m := &Engine{
		cfg:        cfg,
		self:       NewCoordCache(cfg.LatticeR, cfg.HyperLatticeR),
		routes:     NewRouteTable(cfg.RouteTableSize, cfg.RouteTimeout, cfg.CoordRequestTimeout, cfg.MaxCoordRequests, log),
		cache:      NewPacketCache(cfg.PacketCacheSize, cfg.PacketCacheTimeout),
		neighbours: NewNeighbourCache(),
		log:        log,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Close stops the packet-cache timer and evicts stale routes. Retry loops of
// pending coordinate requests are not cancelled; each ends when its route is
// answered, removed or out of requests.
func (m *Engine) Close() {
	m.cache.Close()
	m.routes.Clean()
}

// Self returns the own-coordinate cache.
func (m *Engine) Self() *CoordCache {
	return m.self
}

// Routes returns the route table.
func (m *Engine) Routes() *RouteTable {
	return m.routes
}

// Neighbours returns the neighbor cache.
func (m *Engine) Neighbours() *NeighbourCache {
	return m.neighbours
}

// NextPacketID returns a fresh 16-bit packet identifier.
func (m *Engine) NextPacketID() uint16 {
	return uint16(m.pid.Add(1))
}

// Send routes a locally originated packet: stamps the option with the own
// coordinate, resolves the destination coordinate and picks the next hop.
// An unknown destination starts coordinate discovery and floods.
func (m *Engine) Send(p *Packet) (Next, error) {
	dst := p.Dst()
	if dst.IsUnspecified() || dst.IsLoopback() {
		return Next{}, ErrNoRoute
	}

	coord, seq := m.self.Current()
	p.SetOptSrc(coord, seq)
	p.SetPacketID(m.NextPacketID())
	if e, ok := m.routes.Find(dst); ok && e.Valid {
		p.SetOptDst(e.Coord, e.Seq)
		if hop, ok := m.bestNeighbour(e.Coord); ok {
			return Next{LinkAddr: hop}, nil
		}
		// Local minimum at the origin: flood rather than fail.
		return Next{LinkAddr: frame.Broadcast}, nil
	}

	e, err := m.routes.Alloc(dst, 0)
	if err != nil {
		return Next{}, fmt.Errorf("starting coordinate discovery: %w", err)
	}
	m.routes.StartRequest(e)
	p.SetOptDst(Unknown(), 0)
	return Next{LinkAddr: frame.Broadcast}, nil
}

// Recv accepts a packet destined for this node: learns the return route
// from the option and suppresses duplicates.
func (m *Engine) Recv(p *Packet) error {
	if o, ok := p.Opt(); ok {
		m.routes.Update(p.Src(), o.Src, o.SrcSeq, 0)
		if err := m.cache.Insert(p.Src(), o.PacketID, false, 0); err != nil {
			return err
		}
	}
	return nil
}

// Route forwards a transit packet: suppresses duplicates, decrements the
// hop limit, reconciles the packet's coordinate fields with the route
// table in both directions and picks the next hop.
func (m *Engine) Route(p *Packet) (Next, error) {
	o, ok := p.Opt()
	if !ok {
		return Next{}, fmt.Errorf("%w: transit packet without routing option", ErrMalformed)
	}

	if err := m.cache.Insert(p.Src(), o.PacketID, false, 0); err != nil {
		return Next{}, err
	}
	if !p.DecHopLimit() {
		return Next{}, ErrHopLimit
	}

	// Learn the route back toward the originator.
	m.routes.Update(p.Src(), o.Src, o.SrcSeq, 0)

	// Reconcile destination state between packet and route table.
	dst := p.Dst()
	dstCoord := o.Dst
	dstSeq := o.DstSeq
	if e, ok := m.routes.Find(dst); ok && e.Valid {
		if !dstCoord.Valid() || wrap.SeqNewer(e.Seq, dstSeq) {
			p.SetOptDst(e.Coord, e.Seq)
			dstCoord, dstSeq = e.Coord, e.Seq
		} else if wrap.SeqNewer(dstSeq, e.Seq) {
			m.routes.Update(dst, dstCoord, dstSeq, 0)
		}
	} else if dstCoord.Valid() {
		m.routes.Update(dst, dstCoord, dstSeq, 0)
	}

	if !dstCoord.Valid() {
		// Destination coordinate still unknown: keep flooding.
		return Next{LinkAddr: frame.Broadcast}, nil
	}

	if hop, ok := m.bestNeighbour(dstCoord); ok {
		return Next{LinkAddr: hop}, nil
	}

	// No neighbor is strictly closer: this node is the local minimum and
	// the packet leaves the greedy plane here.
	return Next{Local: true}, nil
}

// bestNeighbour returns the neighbor strictly closer to the destination
// coordinate than this node.
func (m *Engine) bestNeighbour(dst Coord) (frame.Addr, bool) {
	self, _ := m.self.Current()
	dSelf := math.Inf(1)
	if self.Valid() {
		dSelf = Dist(self, dst)
	}

	var (
		best     frame.Addr
		bestDist = dSelf
		found    bool
	)
	m.neighbours.View().Traverse(func(_ uint16, n Neighbour) bool {
		if !n.Coord.Valid() {
			return true
		}
		if d := Dist(n.Coord, dst); d < bestDist {
			best = n.Addr
			bestDist = d
			found = true
		}
		return true
	})
	return best, found
}

// Learn records a neighbor observation: its link-layer address and the
// coordinate it advertised.
func (m *Engine) Learn(short uint16, n Neighbour) {
	m.neighbours.Upsert(short, n)
	m.log.Debugw("neighbour update",
		zap.Uint16("short", short),
		zap.Uint8("seq", n.Seq),
	)
}

// RequestCoordinate resolves a destination by flooding an ICMPv6 echo
// request tagged with the own coordinate; the emitter is installed by the
// interface layer.
func (m *Engine) RequestCoordinate(fn func(dst netip.Addr)) {
	m.routes.SetRequestFn(fn)
}
