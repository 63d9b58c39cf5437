package hyperspaced

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperspace-platform/hyperspace/frame"
	"github.com/hyperspace-platform/hyperspace/hyper"
	"github.com/hyperspace-platform/hyperspace/internal/ring"
	"github.com/hyperspace-platform/hyperspace/lowpan"
	"github.com/hyperspace-platform/hyperspace/radio"
	"github.com/hyperspace-platform/hyperspace/tsch"
)

// ErrQueueFull is returned when the outgoing frame queue rejects a frame.
var ErrQueueFull = errors.New("tx queue full")

const icmpv6Proto = 58

// txQueue is the bounded outgoing frame queue serviced by TX slots.
type txQueue struct {
	mu     sync.Mutex
	frames *ring.Ring[[]byte]
}

func newTxQueue(capacity int) *txQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &txQueue{frames: ring.New[[]byte](capacity)}
}

func (q *txQueue) push(f []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.frames.Len() == q.frames.Cap() {
		return ErrQueueFull
	}
	q.frames.Push(f)
	return nil
}

func (q *txQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Pop()
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Len()
}

// device glues the radio, the frame codec, the adaptation layer and the
// routing engine together underneath the slot grid.
type device struct {
	node   NodeConfig
	radio  radio.Radio
	engine *hyper.Engine
	comp   *lowpan.Compressor
	txq    *txQueue
	shared *tsch.SharedCell
	log    *zap.SugaredLogger

	// sink receives IPv6 packets addressed to this node.
	sink func([]byte)
}

func newDevice(node NodeConfig, r radio.Radio, engine *hyper.Engine, comp *lowpan.Compressor, log *zap.SugaredLogger) *device {
	queueCap := int(node.TxQueue.Bytes() / frame.MaxLen)
	return &device{
		node:   node,
		radio:  r,
		engine: engine,
		comp:   comp,
		txq:    newTxQueue(queueCap),
		shared: tsch.NewSharedCell(tsch.NewBayesianController(), 3),
		log:    log,
		sink:   func([]byte) {},
	}
}

// lladdr returns the node's link-layer address, preferring the EUI-64.
func (d *device) lladdr() frame.Addr {
	if d.node.ExtendedAddr != 0 {
		return frame.ExtendedAddr(d.node.ExtendedAddr)
	}
	return frame.ShortAddr(d.node.ShortAddr)
}

// linkLocal returns the node's derived link-local IPv6 address.
func (d *device) linkLocal() netip.Addr {
	var a [16]byte
	a[0], a[1] = 0xFE, 0x80
	a[11], a[12] = 0xFF, 0xFE
	a[14] = byte(d.node.ShortAddr >> 8)
	a[15] = byte(d.node.ShortAddr)
	return netip.AddrFrom16(a)
}

// HandleTX services a TX slot: transmit the head of the queue.
func (d *device) HandleTX(*tsch.SlotContext) error {
	buf, ok := d.txq.pop()
	if !ok {
		return nil
	}

	if _, err := d.radio.TX(buf, 0); err != nil {
		return fmt.Errorf("%w: %w", radio.ErrRadio, err)
	}
	return nil
}

// HandleRX services an RX slot: drain and dispatch everything received.
func (d *device) HandleRX(*tsch.SlotContext) error {
	for {
		f, err := d.radio.RXDrain()
		if errors.Is(err, radio.ErrNoFrame) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", radio.ErrRadio, err)
		}
		if err := d.deliverFrame(f.Bytes); err != nil {
			d.log.Debugw("dropping frame", zap.Error(err))
		}
	}
}

// HandleShared services a shared slot under the contention machine:
// advertise with a beacon, transmit queued data, or listen.
func (d *device) HandleShared(ctx *tsch.SlotContext) error {
	switch d.shared.Advance(d.txq.len() > 0) {
	case tsch.SharedAdv:
		if err := d.advertise(ctx.ASN); err != nil {
			d.shared.Finish(tsch.EventCollision)
			return err
		}
		return nil
	case tsch.SharedTx:
		err := d.HandleTX(ctx)
		if err != nil {
			d.shared.Finish(tsch.EventCollision)
			return err
		}
		d.shared.Finish(tsch.EventSuccess)
		return nil
	default:
		err := d.HandleRX(ctx)
		d.shared.Finish(tsch.EventIdle)
		return err
	}
}

// advertise broadcasts an enhanced beacon carrying the TSCH Sync IE. No
// Slotframe-and-Link IE is included, so the beacon does not describe the
// local schedule.
func (d *device) advertise(asn uint64) error {
	f := frame.New(frame.TypeBeacon)
	err := f.SetAddressing(frame.Addressing{
		DstPAN:   d.node.PANID,
		Dst:      frame.Broadcast,
		Src:      d.lladdr(),
		Compress: true,
	})
	if err != nil {
		return err
	}

	mlme, err := f.PIEAppend(frame.PIEGroupMLME, nil)
	if err != nil {
		return err
	}
	if err := frame.AppendSyncIE(mlme, frame.SyncIE{ASN: asn, JoinMetric: 1}); err != nil {
		return err
	}

	if _, err := d.radio.TX(f.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: %w", radio.ErrRadio, err)
	}
	return nil
}

// SendIPv6 routes and enqueues a locally originated IPv6 packet.
func (d *device) SendIPv6(buf []byte) error {
	pkt, err := hyper.ParsePacket(buf)
	if err != nil {
		return err
	}

	next, err := d.engine.Send(pkt)
	if err != nil {
		return err
	}
	return d.enqueue(pkt, next.LinkAddr)
}

// enqueue compresses the packet and queues the framed result toward the
// next hop.
func (d *device) enqueue(pkt *hyper.Packet, nextHop frame.Addr) error {
	compressed, err := d.comp.Compress(pkt.Buf, d.lladdr(), nextHop)
	if err != nil {
		return err
	}

	f := frame.New(frame.TypeData)
	err = f.SetAddressing(frame.Addressing{
		DstPAN:   d.node.PANID,
		Dst:      nextHop,
		Src:      d.lladdr(),
		Compress: true,
	})
	if err != nil {
		return err
	}
	if err := f.AppendPayload(compressed); err != nil {
		return err
	}
	return d.txq.push(f.Bytes())
}

// deliverFrame parses one received frame and hands it up the stack.
func (d *device) deliverFrame(raw []byte) error {
	f, err := frame.Parse(raw)
	if err != nil {
		return err
	}

	switch f.FrameType() {
	case frame.TypeBeacon:
		return d.deliverBeacon(f)
	case frame.TypeData:
		return d.deliverData(f)
	default:
		return nil
	}
}

// deliverBeacon learns the advertising neighbor.
func (d *device) deliverBeacon(f *frame.Frame) error {
	src := f.SrcAddr()
	if src.Mode != frame.ModeShort {
		return nil
	}

	d.engine.Learn(src.Short, hyper.Neighbour{
		Addr:      src,
		Coord:     hyper.Unknown(),
		LastHeard: time.Now(),
	})
	return nil
}

// deliverData decompresses a data frame and routes or delivers it.
func (d *device) deliverData(f *frame.Frame) error {
	payload := f.Payload()
	if len(payload) == 0 {
		return nil
	}

	var raw []byte
	switch lowpan.Classify(payload[0]) {
	case lowpan.DispatchIPHC:
		var err error
		if raw, err = d.comp.Decompress(payload, f.SrcAddr(), f.DstAddr()); err != nil {
			return err
		}
	case lowpan.DispatchIPv6:
		raw = payload[1:]
	default:
		return fmt.Errorf("%w: unhandled dispatch %#02x", lowpan.ErrInvalid, payload[0])
	}

	pkt, err := hyper.ParsePacket(raw)
	if err != nil {
		return err
	}

	// Learn the transmitting neighbor's coordinate from the option.
	if o, ok := pkt.Opt(); ok {
		if src := f.SrcAddr(); src.Mode == frame.ModeShort && pkt.HopLimit() == 64 {
			// Heuristic: an undecremented hop limit means the frame came
			// straight from the originator, whose coordinate is in src.
			d.engine.Learn(src.Short, hyper.Neighbour{
				Addr:      src,
				Coord:     o.Src,
				Seq:       o.SrcSeq,
				LastHeard: time.Now(),
			})
		}
	}

	dst := pkt.Dst()
	if dst == d.linkLocal() || dst.IsMulticast() {
		if err := d.engine.Recv(pkt); err != nil {
			return err
		}
		d.sink(raw)
		return nil
	}

	next, err := d.engine.Route(pkt)
	if err != nil {
		return err
	}
	if next.Local {
		d.sink(raw)
		return nil
	}
	return d.enqueue(pkt, next.LinkAddr)
}

// requestCoordinate floods an ICMPv6 echo request tagged with the own
// coordinate, so the destination can answer with its own.
func (d *device) requestCoordinate(dst netip.Addr) {
	coord, seq := d.engine.Self().Current()
	o := hyper.Opt{
		PacketID: d.engine.NextPacketID(),
		Src:      coord,
		SrcSeq:   seq,
		Dst:      hyper.Unknown(),
	}

	// ICMPv6 echo request; identifier reuses the packet ID.
	icmp := []byte{128, 0, 0, 0, byte(o.PacketID >> 8), byte(o.PacketID), 0, 1}
	buf := hyper.BuildPacket(d.linkLocal(), dst, 64, o, icmpv6Proto, icmp)

	pkt, err := hyper.ParsePacket(buf)
	if err != nil {
		return
	}
	if err := d.enqueue(pkt, frame.Broadcast); err != nil {
		d.log.Debugw("coordinate request dropped", zap.Stringer("dst", dst), zap.Error(err))
	}
}
