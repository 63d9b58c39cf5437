package hyper

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OptType is the hop-by-hop option type carrying per-packet routing state.
//
// The two high bits are 00: a forwarder that does not understand the
// option skips it.
const OptType = 0x21

// OptLen is the option data length: packet ID plus two coordinate/sequence
// records.
const OptLen = 20

// Opt is the per-packet hop-by-hop option. Every routed packet carries
// the originator's coordinate and the best known destination coordinate;
// forwarders reconcile both against their route tables in flight.
type Opt struct {
	PacketID uint16
	Src      Coord
	SrcSeq   uint8
	Dst      Coord
	DstSeq   uint8
}

// MarshalTo writes the option data. Coordinates travel as IEEE 754
// binary32, little-endian: the radio peers compute in single precision.
func (o *Opt) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], o.PacketID)
	putCoord(b[2:], o.Src)
	b[10] = o.SrcSeq
	putCoord(b[11:], o.Dst)
	b[19] = o.DstSeq
}

// ParseOpt decodes the option data.
func ParseOpt(b []byte) (Opt, error) {
	if len(b) != OptLen {
		return Opt{}, fmt.Errorf("%w: option wants %d bytes, got %d", ErrMalformed, OptLen, len(b))
	}

	return Opt{
		PacketID: binary.LittleEndian.Uint16(b[0:]),
		Src:      getCoord(b[2:]),
		SrcSeq:   b[10],
		Dst:      getCoord(b[11:]),
		DstSeq:   b[19],
	}, nil
}

func putCoord(b []byte, c Coord) {
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(float32(c.R)))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(float32(c.T)))
}

func getCoord(b []byte) Coord {
	return Coord{
		R: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[0:]))),
		T: float64(math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))),
	}
}
