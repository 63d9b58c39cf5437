package frame

import (
	"encoding/binary"
	"fmt"
)

// Nested IE sub-IDs used by the TSCH mode MLME group.
const (
	NIDTSCHSync          = 0x1A
	NIDTSCHSlotframeLink = 0x1B
)

// SyncIE is the TSCH synchronization IE: a 5-byte ASN and a join metric.
type SyncIE struct {
	ASN        uint64
	JoinMetric uint8
}

// AppendSyncIE appends a nested TSCH Sync IE to the given MLME payload IE.
func AppendSyncIE(mlme *IE, sync SyncIE) error {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], sync.ASN)

	var content [6]byte
	copy(content[:5], tmp[:5])
	content[5] = sync.JoinMetric

	_, err := mlme.NestedAppend(NIDTSCHSync, false, content[:])
	return err
}

// ParseSyncIE decodes a nested TSCH Sync IE.
func ParseSyncIE(ie *IE) (SyncIE, error) {
	content := ie.Content()
	if len(content) != 6 {
		return SyncIE{}, fmt.Errorf("%w: sync IE wants 6 bytes, got %d", ErrInvalidFrame, len(content))
	}

	var b [8]byte
	copy(b[:5], content[:5])
	return SyncIE{
		ASN:        binary.LittleEndian.Uint64(b[:]),
		JoinMetric: content[5],
	}, nil
}

// LinkInfo describes one scheduled link inside a slotframe descriptor.
type LinkInfo struct {
	Timeslot      uint16
	ChannelOffset uint16
	Options       uint8
}

// SlotframeDescriptor describes one slotframe in the Slotframe-and-Link IE.
type SlotframeDescriptor struct {
	Handle uint8
	Size   uint16
	Links  []LinkInfo
}

// AppendSlotframeLinkIE appends a nested TSCH Slotframe-and-Link IE
// carrying the given descriptors.
func AppendSlotframeLinkIE(mlme *IE, slotframes []SlotframeDescriptor) error {
	if len(slotframes) > 0xFF {
		return fmt.Errorf("%w: too many slotframe descriptors", ErrInvalidFrame)
	}

	content := []byte{uint8(len(slotframes))}
	for _, sf := range slotframes {
		if len(sf.Links) > 0xFF {
			return fmt.Errorf("%w: too many links in slotframe %d", ErrInvalidFrame, sf.Handle)
		}

		content = append(content, sf.Handle)
		content = binary.LittleEndian.AppendUint16(content, sf.Size)
		content = append(content, uint8(len(sf.Links)))
		for _, link := range sf.Links {
			content = binary.LittleEndian.AppendUint16(content, link.Timeslot)
			content = binary.LittleEndian.AppendUint16(content, link.ChannelOffset)
			content = append(content, link.Options)
		}
	}

	_, err := mlme.NestedAppend(NIDTSCHSlotframeLink, false, content)
	return err
}

// ParseSlotframeLinkIE decodes a nested TSCH Slotframe-and-Link IE,
// enforcing that the declared counts match the content length.
func ParseSlotframeLinkIE(ie *IE) ([]SlotframeDescriptor, error) {
	content := ie.Content()
	if len(content) < 1 {
		return nil, fmt.Errorf("%w: empty slotframe-and-link IE", ErrInvalidFrame)
	}

	num := int(content[0])
	off := 1

	out := make([]SlotframeDescriptor, 0, num)
	for i := 0; i < num; i++ {
		if off+4 > len(content) {
			return nil, fmt.Errorf("%w: truncated slotframe descriptor %d", ErrInvalidFrame, i)
		}

		sf := SlotframeDescriptor{
			Handle: content[off],
			Size:   binary.LittleEndian.Uint16(content[off+1:]),
		}
		numLinks := int(content[off+3])
		off += 4

		if off+5*numLinks > len(content) {
			return nil, fmt.Errorf("%w: truncated link info in slotframe %d", ErrInvalidFrame, sf.Handle)
		}
		for j := 0; j < numLinks; j++ {
			sf.Links = append(sf.Links, LinkInfo{
				Timeslot:      binary.LittleEndian.Uint16(content[off:]),
				ChannelOffset: binary.LittleEndian.Uint16(content[off+2:]),
				Options:       content[off+4],
			})
			off += 5
		}
		out = append(out, sf)
	}

	if off != len(content) {
		return nil, fmt.Errorf("%w: %d trailing bytes after slotframe descriptors", ErrInvalidFrame, len(content)-off)
	}
	return out, nil
}
