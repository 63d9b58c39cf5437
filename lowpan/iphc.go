package lowpan

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/hyperspace-platform/hyperspace/frame"
)

// LOWPAN_IPHC bit layout, RFC 6282 figure 2.
const (
	iphcTFShift  = 3
	iphcTFMask   = 0x3
	iphcNH       = 0x04
	iphcHLIMMask = 0x03

	iphcCID      = 0x80
	iphcSAC      = 0x40
	iphcSAMShift = 4
	iphcSAMMask  = 0x3
	iphcM        = 0x08
	iphcDAC      = 0x04
	iphcDAMMask  = 0x3
)

// IPv6 protocol numbers handled by the NHC chain.
const (
	protoHBH      = 0
	protoRouting  = 43
	protoFragment = 44
	protoDestOpts = 60
	protoUDP      = 17
)

// Compressor performs IPHC/NHC compression and decompression against a
// context table and the link-layer addresses of the carrying frame.
type Compressor struct {
	// Contexts is the stateful-compression context table.
	Contexts *ContextTable
	// ElideUDPChecksum authorizes C=1 UDP compression. The checksum is
	// then recomputed on decompression.
	ElideUDPChecksum bool
}

// NewCompressor constructs a compressor over the given context table.
func NewCompressor(contexts *ContextTable) *Compressor {
	return &Compressor{Contexts: contexts}
}

// addrMode is the result of compressing one unicast address.
type addrMode struct {
	mode     uint8
	stateful bool
	ctx      uint8
	inline   []byte
}

// Compress encodes a full IPv6 packet into its 6LoWPAN IPHC form.
//
// The produced byte sequence never exceeds the uncompressed input.
func (m *Compressor) Compress(pkt []byte, llsrc, lldst frame.Addr) ([]byte, error) {
	if len(pkt) < 40 {
		return nil, fmt.Errorf("%w: truncated IPv6 header", ErrInvalid)
	}
	if pkt[0]>>4 != 6 {
		return nil, fmt.Errorf("%w: not an IPv6 packet", ErrInvalid)
	}

	tc := pkt[0]&0x0F<<4 | pkt[1]>>4
	flow := uint32(pkt[1]&0x0F)<<16 | uint32(pkt[2])<<8 | uint32(pkt[3])
	nh := pkt[6]
	hlim := pkt[7]
	src := netip.AddrFrom16([16]byte(pkt[8:24]))
	dst := netip.AddrFrom16([16]byte(pkt[24:40]))

	b0 := byte(dispatchIPHC)
	var b1 byte

	// TF: elide what is zero.
	ecn := tc & 0x3
	dscp := tc >> 2
	var tfInline []byte
	switch {
	case flow == 0 && tc == 0:
		b0 |= 3 << iphcTFShift
	case flow == 0:
		b0 |= 2 << iphcTFShift
		tfInline = []byte{ecn<<6 | dscp}
	case dscp == 0:
		b0 |= 1 << iphcTFShift
		tfInline = []byte{ecn<<6 | byte(flow>>16)&0x0F, byte(flow >> 8), byte(flow)}
	default:
		tfInline = []byte{ecn<<6 | dscp, byte(flow>>16) & 0x0F, byte(flow >> 8), byte(flow)}
	}

	// NH: defer compressible chains to NHC.
	useNHC := nhCompressible(nh)
	var nhInline []byte
	if useNHC {
		b0 |= iphcNH
	} else {
		nhInline = []byte{nh}
	}

	var hlimInline []byte
	switch hlim {
	case 1:
		b0 |= 1
	case 64:
		b0 |= 2
	case 255:
		b0 |= 3
	default:
		hlimInline = []byte{hlim}
	}

	sa, err := m.compressUnicast(src, llsrc)
	if err != nil {
		return nil, err
	}
	b1 |= sa.mode << iphcSAMShift
	if sa.stateful {
		b1 |= iphcSAC
	}

	var da addrMode
	if dst.IsMulticast() {
		b1 |= iphcM
		da = compressMulticast(dst)
	} else {
		da, err = m.compressUnicast(dst, lldst)
		if err != nil {
			return nil, err
		}
		if da.stateful {
			b1 |= iphcDAC
		}
	}
	b1 |= da.mode

	out := make([]byte, 0, len(pkt))
	out = append(out, b0, b1)
	if sa.ctx != 0 || da.ctx != 0 {
		out[1] |= iphcCID
		out = append(out, sa.ctx<<4|da.ctx)
	}
	out = append(out, tfInline...)
	out = append(out, nhInline...)
	out = append(out, hlimInline...)
	out = append(out, sa.inline...)
	out = append(out, da.inline...)

	rest := pkt[40:]
	if useNHC {
		out, err = m.compressNext(out, nh, rest, src.As16(), dst.As16())
		if err != nil {
			return nil, err
		}
	} else {
		out = append(out, rest...)
	}

	return out, nil
}

// compressUnicast selects the SAM/DAM encoding for one unicast address.
func (m *Compressor) compressUnicast(addr netip.Addr, lladdr frame.Addr) (addrMode, error) {
	if addr.IsUnspecified() {
		return addrMode{stateful: true}, nil
	}

	a := addr.As16()
	stateful := false
	var ctx uint8
	switch {
	case isLinkLocal(a):
	case m.Contexts != nil:
		id, ok := m.Contexts.Match(addr)
		if !ok {
			return addrMode{inline: a[:]}, nil
		}
		stateful = true
		ctx = id
	default:
		return addrMode{inline: a[:]}, nil
	}

	iid := a[8:16]
	if ll, ok := lladdrIID(lladdr); ok && [8]byte(iid) == ll {
		return addrMode{mode: 3, stateful: stateful, ctx: ctx}, nil
	}
	if iid[0] == 0 && iid[1] == 0 && iid[2] == 0 && iid[3] == 0xFF && iid[4] == 0xFE && iid[5] == 0 {
		return addrMode{mode: 2, stateful: stateful, ctx: ctx, inline: iid[6:8]}, nil
	}
	return addrMode{mode: 1, stateful: stateful, ctx: ctx, inline: iid}, nil
}

// compressMulticast selects the DAM encoding for a multicast destination.
func compressMulticast(addr netip.Addr) addrMode {
	a := addr.As16()
	switch {
	case a[1] == 0x02 && allZero(a[2:15]):
		return addrMode{mode: 3, inline: a[15:16]}
	case allZero(a[2:13]):
		return addrMode{mode: 2, inline: []byte{a[1], a[13], a[14], a[15]}}
	case allZero(a[2:11]):
		return addrMode{mode: 1, inline: []byte{a[1], a[11], a[12], a[13], a[14], a[15]}}
	default:
		return addrMode{inline: a[:]}
	}
}

// Decompress reconstructs the full IPv6 packet from its IPHC form.
func (m *Compressor) Decompress(in []byte, llsrc, lldst frame.Addr) ([]byte, error) {
	if len(in) < 2 || Classify(in[0]) != DispatchIPHC {
		return nil, fmt.Errorf("%w: not an IPHC payload", ErrInvalid)
	}

	b0, b1 := in[0], in[1]
	off := 2

	var sci, dci uint8
	if b1&iphcCID != 0 {
		if off >= len(in) {
			return nil, fmt.Errorf("%w: truncated CID byte", ErrInvalid)
		}
		sci = in[off] >> 4
		dci = in[off] & 0x0F
		off++
	}

	var tc uint8
	var flow uint32
	switch b0 >> iphcTFShift & iphcTFMask {
	case 0:
		if off+4 > len(in) {
			return nil, fmt.Errorf("%w: truncated TF field", ErrInvalid)
		}
		tc = in[off]>>6 | in[off]<<2
		flow = uint32(in[off+1]&0x0F)<<16 | uint32(in[off+2])<<8 | uint32(in[off+3])
		off += 4
	case 1:
		if off+3 > len(in) {
			return nil, fmt.Errorf("%w: truncated TF field", ErrInvalid)
		}
		tc = in[off] >> 6
		flow = uint32(in[off]&0x0F)<<16 | uint32(in[off+1])<<8 | uint32(in[off+2])
		off += 3
	case 2:
		if off+1 > len(in) {
			return nil, fmt.Errorf("%w: truncated TF field", ErrInvalid)
		}
		tc = in[off]>>6 | in[off]<<2
		off++
	case 3:
	}

	useNHC := b0&iphcNH != 0
	var nh uint8
	if !useNHC {
		if off >= len(in) {
			return nil, fmt.Errorf("%w: truncated next header", ErrInvalid)
		}
		nh = in[off]
		off++
	}

	var hlim uint8
	switch b0 & iphcHLIMMask {
	case 0:
		if off >= len(in) {
			return nil, fmt.Errorf("%w: truncated hop limit", ErrInvalid)
		}
		hlim = in[off]
		off++
	case 1:
		hlim = 1
	case 2:
		hlim = 64
	case 3:
		hlim = 255
	}

	src, off, err := m.expandUnicast(in, off, b1>>iphcSAMShift&iphcSAMMask, b1&iphcSAC != 0, sci, llsrc)
	if err != nil {
		return nil, err
	}

	var dst [16]byte
	if b1&iphcM != 0 {
		dst, off, err = expandMulticast(in, off, b1&iphcDAMMask)
	} else {
		dst, off, err = m.expandUnicast(in, off, b1&iphcDAMMask, b1&iphcDAC != 0, dci, lldst)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, 40, 40+len(in)-off+16)
	out[0] = 6<<4 | tc>>4
	out[1] = tc<<4 | byte(flow>>16)
	out[2] = byte(flow >> 8)
	out[3] = byte(flow)
	out[7] = hlim
	copy(out[8:24], src[:])
	copy(out[24:40], dst[:])

	if useNHC {
		out, err = m.decompressNext(out, 6, in, off, src, dst)
		if err != nil {
			return nil, err
		}
	} else {
		out[6] = nh
		out = append(out, in[off:]...)
	}

	binary.BigEndian.PutUint16(out[4:6], uint16(len(out)-40))
	return out, nil
}

// expandUnicast reconstructs one unicast address from its SAM/DAM form.
func (m *Compressor) expandUnicast(in []byte, off int, mode uint8, stateful bool, ctx uint8, lladdr frame.Addr) ([16]byte, int, error) {
	var a [16]byte

	if stateful && mode == 0 {
		// Unspecified address.
		return a, off, nil
	}

	if mode == 0 {
		if off+16 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated inline address", ErrInvalid)
		}
		copy(a[:], in[off:off+16])
		return a, off + 16, nil
	}

	if stateful {
		prefix, ok := m.Contexts.Lookup(ctx)
		if !ok {
			return a, 0, fmt.Errorf("%w: unknown context %d", ErrInvalid, ctx)
		}
		p := prefix.Addr().As16()
		copy(a[:8], p[:8])
	} else {
		a[0] = 0xFE
		a[1] = 0x80
	}

	switch mode {
	case 1:
		if off+8 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated 64-bit IID", ErrInvalid)
		}
		copy(a[8:], in[off:off+8])
		return a, off + 8, nil
	case 2:
		if off+2 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated 16-bit IID", ErrInvalid)
		}
		a[11] = 0xFF
		a[12] = 0xFE
		a[14] = in[off]
		a[15] = in[off+1]
		return a, off + 2, nil
	default:
		iid, ok := lladdrIID(lladdr)
		if !ok {
			return a, 0, fmt.Errorf("%w: fully elided address needs a link-layer address", ErrInvalid)
		}
		copy(a[8:], iid[:])
		return a, off, nil
	}
}

// expandMulticast reconstructs a multicast destination from its DAM form.
func expandMulticast(in []byte, off int, mode uint8) ([16]byte, int, error) {
	var a [16]byte
	a[0] = 0xFF

	switch mode {
	case 0:
		if off+16 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated multicast address", ErrInvalid)
		}
		copy(a[:], in[off:off+16])
		return a, off + 16, nil
	case 1:
		if off+6 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated 48-bit multicast", ErrInvalid)
		}
		a[1] = in[off]
		copy(a[11:], in[off+1:off+6])
		return a, off + 6, nil
	case 2:
		if off+4 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated 32-bit multicast", ErrInvalid)
		}
		a[1] = in[off]
		copy(a[13:], in[off+1:off+4])
		return a, off + 4, nil
	default:
		if off+1 > len(in) {
			return a, 0, fmt.Errorf("%w: truncated 8-bit multicast", ErrInvalid)
		}
		a[1] = 0x02
		a[15] = in[off]
		return a, off + 1, nil
	}
}

// lladdrIID derives the RFC 4944 interface identifier from a link-layer
// address: 0000:00ff:fe00:XXXX for short addresses, the EUI-64 with the
// universal/local bit inverted for extended ones.
func lladdrIID(a frame.Addr) ([8]byte, bool) {
	var iid [8]byte
	switch a.Mode {
	case frame.ModeShort:
		iid[3] = 0xFF
		iid[4] = 0xFE
		iid[6] = byte(a.Short >> 8)
		iid[7] = byte(a.Short)
		return iid, true
	case frame.ModeExtended:
		binary.BigEndian.PutUint64(iid[:], a.Extended)
		iid[0] ^= 0x02
		return iid, true
	default:
		return iid, false
	}
}

func isLinkLocal(a [16]byte) bool {
	return a[0] == 0xFE && a[1] == 0x80 && allZero(a[2:8])
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
