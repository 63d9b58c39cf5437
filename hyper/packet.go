package hyper

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	protoHBH   = 0
	hbhPad1    = 0
	ipv6HdrLen = 40
)

// Packet is a view over a raw IPv6 packet that locates the hyperspace
// hop-by-hop option, so forwarders can rewrite its coordinate fields in
// place without re-serialising the packet.
type Packet struct {
	Buf []byte

	// optOff is the offset of the option data inside Buf, or -1.
	optOff int
}

// ParsePacket validates the IPv6 framing and locates the hop-by-hop
// option, if any.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < ipv6HdrLen {
		return nil, fmt.Errorf("%w: truncated IPv6 header", ErrMalformed)
	}
	if buf[0]>>4 != 6 {
		return nil, fmt.Errorf("%w: not IPv6", ErrMalformed)
	}

	p := &Packet{Buf: buf, optOff: -1}
	if buf[6] != protoHBH {
		return p, nil
	}

	if len(buf) < ipv6HdrLen+8 {
		return nil, fmt.Errorf("%w: truncated hop-by-hop header", ErrMalformed)
	}
	extLen := (int(buf[ipv6HdrLen+1]) + 1) * 8
	if ipv6HdrLen+extLen > len(buf) {
		return nil, fmt.Errorf("%w: hop-by-hop header overflows packet", ErrMalformed)
	}

	off := ipv6HdrLen + 2
	end := ipv6HdrLen + extLen
	for off < end {
		t := buf[off]
		if t == hbhPad1 {
			off++
			continue
		}
		if off+2 > end {
			return nil, fmt.Errorf("%w: truncated hop-by-hop option", ErrMalformed)
		}
		ln := int(buf[off+1])
		if off+2+ln > end {
			return nil, fmt.Errorf("%w: hop-by-hop option overflows header", ErrMalformed)
		}
		if t == OptType && ln == OptLen {
			p.optOff = off + 2
			return p, nil
		}
		off += 2 + ln
	}
	return p, nil
}

// BuildPacket constructs an IPv6 packet carrying the hyperspace option in
// a hop-by-hop header, followed by the given next header and payload.
func BuildPacket(src, dst netip.Addr, hopLimit uint8, o Opt, next uint8, payload []byte) []byte {
	// 2-byte HBH prefix + 2-byte option header + 20 bytes of data is
	// exactly three 8-octet units: no padding needed.
	extLen := 2 + 2 + OptLen
	buf := make([]byte, ipv6HdrLen+extLen+len(payload))

	buf[0] = 6 << 4
	binary.BigEndian.PutUint16(buf[4:], uint16(extLen+len(payload)))
	buf[6] = protoHBH
	buf[7] = hopLimit
	sa := src.As16()
	da := dst.As16()
	copy(buf[8:24], sa[:])
	copy(buf[24:40], da[:])

	buf[ipv6HdrLen] = next
	buf[ipv6HdrLen+1] = uint8(extLen/8 - 1)
	buf[ipv6HdrLen+2] = OptType
	buf[ipv6HdrLen+3] = OptLen
	o.MarshalTo(buf[ipv6HdrLen+4:])

	copy(buf[ipv6HdrLen+extLen:], payload)
	return buf
}

// Src returns the IPv6 source address.
func (p *Packet) Src() netip.Addr {
	return netip.AddrFrom16([16]byte(p.Buf[8:24]))
}

// Dst returns the IPv6 destination address.
func (p *Packet) Dst() netip.Addr {
	return netip.AddrFrom16([16]byte(p.Buf[24:40]))
}

// HopLimit returns the IPv6 hop limit.
func (p *Packet) HopLimit() uint8 {
	return p.Buf[7]
}

// DecHopLimit decrements the hop limit in place; it reports false when the
// decremented limit is zero (or the limit was already zero) and the packet
// must be dropped.
func (p *Packet) DecHopLimit() bool {
	if p.Buf[7] == 0 {
		return false
	}
	p.Buf[7]--
	return p.Buf[7] > 0
}

// Opt returns the hyperspace option, if the packet carries one.
func (p *Packet) Opt() (Opt, bool) {
	if p.optOff < 0 {
		return Opt{}, false
	}
	o, err := ParseOpt(p.Buf[p.optOff : p.optOff+OptLen])
	if err != nil {
		return Opt{}, false
	}
	return o, true
}

// SetOptSrc rewrites the option's source coordinate fields in place.
func (p *Packet) SetOptSrc(c Coord, seq uint8) {
	if p.optOff < 0 {
		return
	}
	putCoord(p.Buf[p.optOff+2:], c)
	p.Buf[p.optOff+10] = seq
}

// SetOptDst rewrites the option's destination coordinate fields in place.
func (p *Packet) SetOptDst(c Coord, seq uint8) {
	if p.optOff < 0 {
		return
	}
	putCoord(p.Buf[p.optOff+11:], c)
	p.Buf[p.optOff+19] = seq
}

// SetPacketID rewrites the option's packet ID in place.
func (p *Packet) SetPacketID(id uint16) {
	if p.optOff < 0 {
		return
	}
	binary.LittleEndian.PutUint16(p.Buf[p.optOff:], id)
}
