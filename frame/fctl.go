package frame

import (
	"errors"
	"fmt"
)

// ErrInvalidFrame is returned when a buffer does not hold a well-formed
// IEEE 802.15.4-2015 frame.
var ErrInvalidFrame = errors.New("invalid frame")

// ErrInvalidAddressing is returned when the requested addressing-mode
// combination violates the PAN ID presence matrix.
var ErrInvalidAddressing = errors.New("invalid addressing")

// ErrNoSpace is returned when the frame buffer cannot hold more bytes.
var ErrNoSpace = errors.New("no space in frame buffer")

// Type is the MAC frame type from the frame control field.
type Type uint8

const (
	TypeBeacon Type = 0
	TypeData   Type = 1
	TypeAck    Type = 2
	TypeMACCmd Type = 3
)

// Mode is an addressing mode from the frame control field.
type Mode uint8

const (
	ModeNone     Mode = 0
	ModeShort    Mode = 2
	ModeExtended Mode = 3
)

// Frame control field bit layout, IEEE 802.15.4-2015 figure 7-2.
const (
	fctlTypeMask      = 0x0007
	fctlSecurity      = 0x0008
	fctlPending       = 0x0010
	fctlAckRequest    = 0x0020
	fctlPANIDCompress = 0x0040
	fctlSeqnumSupp    = 0x0100
	fctlIEPresent     = 0x0200
	fctlDstModeShift  = 10
	fctlVersionShift  = 12
	fctlSrcModeShift  = 14

	version2015 = 0x2
)

// Addr is a link-layer address of one of the three addressing modes.
type Addr struct {
	Mode     Mode
	Short    uint16
	Extended uint64
}

// NoAddr returns the absent address.
func NoAddr() Addr {
	return Addr{Mode: ModeNone}
}

// ShortAddr returns a 16-bit address.
func ShortAddr(v uint16) Addr {
	return Addr{Mode: ModeShort, Short: v}
}

// ExtendedAddr returns a 64-bit address.
func ExtendedAddr(v uint64) Addr {
	return Addr{Mode: ModeExtended, Extended: v}
}

// Broadcast is the 16-bit broadcast address.
var Broadcast = ShortAddr(0xFFFF)

// Len returns the on-wire length of the address in bytes.
func (a Addr) Len() int {
	switch a.Mode {
	case ModeShort:
		return 2
	case ModeExtended:
		return 8
	default:
		return 0
	}
}

// IsBroadcast reports whether the address is the short broadcast address.
func (a Addr) IsBroadcast() bool {
	return a.Mode == ModeShort && a.Short == 0xFFFF
}

func (a Addr) String() string {
	switch a.Mode {
	case ModeShort:
		return fmt.Sprintf("%#04x", a.Short)
	case ModeExtended:
		return fmt.Sprintf("%#016x", a.Extended)
	default:
		return "<none>"
	}
}

// panPresence derives destination and source PAN ID presence from the
// addressing modes and the PAN ID compression bit, per IEEE 802.15.4-2015
// table 7-2 (frame version 0b10).
func panPresence(dst, src Mode, compress bool) (dstPAN, srcPAN bool, err error) {
	if dst == 1 || src == 1 {
		return false, false, fmt.Errorf("%w: reserved addressing mode", ErrInvalidAddressing)
	}

	switch {
	case dst == ModeNone && src == ModeNone:
		return compress, false, nil
	case src == ModeNone:
		return !compress, false, nil
	case dst == ModeNone:
		return false, !compress, nil
	case dst == ModeExtended && src == ModeExtended:
		return !compress, false, nil
	default:
		if compress {
			return true, false, nil
		}
		return true, true, nil
	}
}
