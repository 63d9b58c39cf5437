package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SlotframeLinkIE_Roundtrip(t *testing.T) {
	f := New(TypeBeacon)
	mlme, err := f.PIEAppend(PIEGroupMLME, nil)
	require.NoError(t, err)

	in := []SlotframeDescriptor{
		{
			Handle: 1,
			Size:   101,
			Links: []LinkInfo{
				{Timeslot: 0, ChannelOffset: 2, Options: 0x05},
				{Timeslot: 42, ChannelOffset: 0, Options: 0x0A},
			},
		},
		{
			Handle: 2,
			Size:   7,
			Links:  nil,
		},
	}
	require.NoError(t, AppendSlotframeLinkIE(mlme, in))

	parsed, err := Parse(f.Bytes())
	require.NoError(t, err)

	ie, ok := parsed.IEFirst()
	require.True(t, ok)
	nie, ok := ie.NestedFirst()
	require.True(t, ok)
	require.Equal(t, uint16(NIDTSCHSlotframeLink), nie.ID())

	out, err := ParseSlotframeLinkIE(nie)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_SlotframeLinkIE_CountMismatchRejected(t *testing.T) {
	f := New(TypeBeacon)
	mlme, err := f.PIEAppend(PIEGroupMLME, nil)
	require.NoError(t, err)

	require.NoError(t, AppendSlotframeLinkIE(mlme, []SlotframeDescriptor{
		{Handle: 1, Size: 10, Links: []LinkInfo{{Timeslot: 1}}},
	}))

	parsed, err := Parse(f.Bytes())
	require.NoError(t, err)
	ie, _ := parsed.IEFirst()
	nie, _ := ie.NestedFirst()

	// Claim a second slotframe that is not there.
	nie.Content()[0] = 2
	_, err = ParseSlotframeLinkIE(nie)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func Test_SyncIE_BadLength(t *testing.T) {
	f := New(TypeBeacon)
	mlme, err := f.PIEAppend(PIEGroupMLME, nil)
	require.NoError(t, err)
	nie, err := mlme.NestedAppend(NIDTSCHSync, false, []byte{1, 2, 3})
	require.NoError(t, err)

	_, err = ParseSyncIE(nie)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
