package frame

import (
	"encoding/binary"
	"fmt"
)

// IE control word layout. Four kinds encode length and ID at different bit
// widths; the high bit discriminates header/payload at the top level and
// short/long in the nested range.
const (
	ieTypeBit = 0x8000

	hieLenMask = 0x007F
	hieIDShift = 7
	hieIDMask  = 0xFF
	hieIDHT1   = 0x7E
	hieIDHT2   = 0x7F

	pieLenMask = 0x07FF
	pieIDShift = 11
	pieIDMask  = 0xF
	pieIDPT    = 0xF

	snieLenMask = 0x00FF
	snieIDShift = 8
	snieIDMask  = 0x7F

	lnieLenMask = 0x07FF
	lnieIDShift = 11
	lnieIDMask  = 0xF
)

// PIEGroupMLME is the payload IE group ID carrying nested MLME IEs.
const PIEGroupMLME = 0x1

// IEKind discriminates the four IE encodings.
type IEKind uint8

const (
	HeaderIE IEKind = iota
	PayloadIE
	ShortNestedIE
	LongNestedIE
)

// IE is a view of one Information Element inside a frame buffer.
//
// An IE borrows a sub-slice of its parent (the frame, or an outer IE) and
// stays valid until the frame is mutated outside the IE append/finalize
// protocol.
type IE struct {
	f      *Frame
	parent *IE
	kind   IEKind
	off    int
}

// Kind returns the IE encoding kind.
func (ie *IE) Kind() IEKind {
	return ie.kind
}

func (ie *IE) ctrl() uint16 {
	return binary.LittleEndian.Uint16(ie.f.buf[ie.off:])
}

func (ie *IE) setCtrl(w uint16) {
	binary.LittleEndian.PutUint16(ie.f.buf[ie.off:], w)
}

// ID returns the element (or group, or sub-) ID.
func (ie *IE) ID() uint16 {
	w := ie.ctrl()
	switch ie.kind {
	case HeaderIE:
		return w >> hieIDShift & hieIDMask
	case PayloadIE:
		return w >> pieIDShift & pieIDMask
	case ShortNestedIE:
		return w >> snieIDShift & snieIDMask
	default:
		return w >> lnieIDShift & lnieIDMask
	}
}

// Length returns the content length in bytes.
func (ie *IE) Length() int {
	w := ie.ctrl()
	switch ie.kind {
	case HeaderIE:
		return int(w & hieLenMask)
	case PayloadIE:
		return int(w & pieLenMask)
	case ShortNestedIE:
		return int(w & snieLenMask)
	default:
		return int(w & lnieLenMask)
	}
}

// setLength rewrites the length bits in place, keeping ID and type bits.
func (ie *IE) setLength(n int) {
	w := ie.ctrl()
	switch ie.kind {
	case HeaderIE:
		w = w&^uint16(hieLenMask) | uint16(n)&hieLenMask
	case PayloadIE:
		w = w&^uint16(pieLenMask) | uint16(n)&pieLenMask
	case ShortNestedIE:
		w = w&^uint16(snieLenMask) | uint16(n)&snieLenMask
	default:
		w = w&^uint16(lnieLenMask) | uint16(n)&lnieLenMask
	}
	ie.setCtrl(w)
}

// Content returns the IE content bytes.
func (ie *IE) Content() []byte {
	return ie.f.buf[ie.off+2 : ie.off+2+ie.Length()]
}

// end returns the offset one past the IE content.
func (ie *IE) end() int {
	return ie.off + 2 + ie.Length()
}

// contentEnd returns the offset one past the region nested IEs may occupy.
func (ie *IE) contentEnd() int {
	return ie.end()
}

// IEFirst returns the first top-level IE, skipping termination markers.
func (f *Frame) IEFirst() (*IE, bool) {
	return f.ieAt(f.idx[idxIE])
}

// Next advances to the following IE in the same range.
//
// Advancing past the last top-level IE stops at the frame's payload offset;
// advancing inside a nested range stops at the parent's content end.
func (ie *IE) Next() (*IE, bool) {
	if ie.parent != nil {
		return ie.f.nieAt(ie.parent, ie.end())
	}
	return ie.f.ieAt(ie.end())
}

// ieAt decodes the top-level IE at the given offset, skipping terminators
// and stopping at the payload offset.
func (f *Frame) ieAt(off int) (*IE, bool) {
	for off+2 <= f.idx[idxPayload] {
		w := binary.LittleEndian.Uint16(f.buf[off:])
		if w&ieTypeBit == 0 {
			id := w >> hieIDShift & hieIDMask
			if id == hieIDHT2 {
				return nil, false
			}
			if id == hieIDHT1 {
				off += 2 + int(w&hieLenMask)
				continue
			}
			return &IE{f: f, kind: HeaderIE, off: off}, true
		}

		if w>>pieIDShift&pieIDMask == pieIDPT {
			return nil, false
		}
		return &IE{f: f, kind: PayloadIE, off: off}, true
	}
	return nil, false
}

// NestedFirst returns the first nested IE inside a payload or long nested
// IE.
func (ie *IE) NestedFirst() (*IE, bool) {
	if ie.kind != PayloadIE && ie.kind != LongNestedIE {
		return nil, false
	}
	return ie.f.nieAt(ie, ie.off+2)
}

func (f *Frame) nieAt(parent *IE, off int) (*IE, bool) {
	if off+2 > parent.contentEnd() {
		return nil, false
	}

	w := binary.LittleEndian.Uint16(f.buf[off:])
	kind := ShortNestedIE
	if w&ieTypeBit != 0 {
		kind = LongNestedIE
	}

	nie := &IE{f: f, parent: parent, kind: kind, off: off}
	if nie.end() > parent.contentEnd() {
		return nil, false
	}
	return nie, true
}

// HIEAppend appends a Header IE with the given element ID and content.
func (f *Frame) HIEAppend(id uint8, content []byte) (*IE, error) {
	if id == hieIDHT1 || id == hieIDHT2 {
		return nil, fmt.Errorf("%w: header IE ID %#x is a terminator", ErrInvalidFrame, id)
	}
	if len(content) > hieLenMask {
		return nil, fmt.Errorf("%w: header IE content too long", ErrNoSpace)
	}
	if f.pieCount > 0 || f.terminated || f.idx[idxPayload] != len(f.buf) {
		return nil, fmt.Errorf("%w: header IE must precede payload IEs and payload", ErrInvalidFrame)
	}

	ie, err := f.appendIE(nil, HeaderIE, uint16(id)<<hieIDShift|uint16(len(content)), content)
	if err != nil {
		return nil, err
	}
	f.hieCount++
	return ie, nil
}

// PIEAppend appends a Payload IE with the given group ID and content. When
// header IEs precede it, the HT1 terminator is inserted automatically.
func (f *Frame) PIEAppend(group uint8, content []byte) (*IE, error) {
	if group > pieIDMask || group == pieIDPT {
		return nil, fmt.Errorf("%w: invalid payload IE group %#x", ErrInvalidFrame, group)
	}
	if len(content) > pieLenMask {
		return nil, fmt.Errorf("%w: payload IE content too long", ErrNoSpace)
	}
	if f.terminated || f.idx[idxPayload] != len(f.buf) {
		return nil, fmt.Errorf("%w: payload IE must precede payload", ErrInvalidFrame)
	}

	if f.pieCount == 0 && f.hieCount > 0 {
		if _, err := f.appendIE(nil, HeaderIE, hieIDHT1<<hieIDShift, nil); err != nil {
			return nil, err
		}
	}

	ie, err := f.appendIE(nil, PayloadIE, ieTypeBit|uint16(group)<<pieIDShift|uint16(len(content)), content)
	if err != nil {
		return nil, err
	}
	f.pieCount++
	return ie, nil
}

// NestedAppend appends a nested IE at the end of this payload (or long
// nested) IE and propagates the size increase up the ancestor chain.
//
// The receiver must be the frame's last IE: nested appends are growth-only
// and never move sibling bytes.
func (ie *IE) NestedAppend(subID uint16, long bool, content []byte) (*IE, error) {
	if ie.kind != PayloadIE && ie.kind != LongNestedIE {
		return nil, fmt.Errorf("%w: nested IEs require a payload or long nested parent", ErrInvalidFrame)
	}
	if ie.contentEnd() != len(ie.f.buf) {
		return nil, fmt.Errorf("%w: nested append target is not the last IE", ErrInvalidFrame)
	}

	var w uint16
	kind := ShortNestedIE
	if long {
		if subID > lnieIDMask || len(content) > lnieLenMask {
			return nil, fmt.Errorf("%w: long nested IE field overflow", ErrInvalidFrame)
		}
		w = ieTypeBit | subID<<lnieIDShift | uint16(len(content))
		kind = LongNestedIE
	} else {
		if subID > snieIDMask || len(content) > snieLenMask {
			return nil, fmt.Errorf("%w: short nested IE field overflow", ErrInvalidFrame)
		}
		w = subID<<snieIDShift | uint16(len(content))
	}

	nie, err := ie.f.appendIE(ie, kind, w, content)
	if err != nil {
		return nil, err
	}

	// Grow every ancestor's length bits to cover the new child.
	for p := ie; p != nil; p = p.parent {
		p.setLength(p.Length() + 2 + len(content))
	}
	return nie, nil
}

// AppendContent appends externally produced bytes to this IE's content and
// cascades the growth to all ancestors' length fields and the frame's
// payload offset.
func (ie *IE) AppendContent(b []byte) error {
	if ie.end() != len(ie.f.buf) {
		return fmt.Errorf("%w: content append target is not the last IE", ErrInvalidFrame)
	}

	dst, err := ie.f.extend(len(b))
	if err != nil {
		return err
	}
	copy(dst, b)

	for p := ie; p != nil; p = p.parent {
		p.setLength(p.Length() + len(b))
	}
	ie.f.idx[idxPayload] = len(ie.f.buf)
	return nil
}

func (f *Frame) appendIE(parent *IE, kind IEKind, ctrl uint16, content []byte) (*IE, error) {
	b, err := f.extend(2 + len(content))
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint16(b, ctrl)
	copy(b[2:], content)

	f.setFctl(f.fctl() | fctlIEPresent)
	f.idx[idxPayload] = len(f.buf)
	return &IE{f: f, parent: parent, kind: kind, off: len(f.buf) - 2 - len(content)}, nil
}

// terminateIEs closes the IE lists before payload bytes are appended.
func (f *Frame) terminateIEs() error {
	if f.terminated || (f.hieCount == 0 && f.pieCount == 0) {
		return nil
	}

	var err error
	if f.pieCount > 0 {
		_, err = f.appendIE(nil, PayloadIE, ieTypeBit|pieIDPT<<pieIDShift, nil)
	} else {
		_, err = f.appendIE(nil, HeaderIE, hieIDHT2<<hieIDShift, nil)
	}
	if err != nil {
		return err
	}

	// The terminator is list framing, not payload: keep the payload offset
	// beyond it but remember the lists are closed.
	f.terminated = true
	return nil
}
