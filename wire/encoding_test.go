package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMpint(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"zero", []byte{0, 0}, []byte{0, 0, 0, 0}},
		{"small", []byte{0x09, 0xa3}, []byte{0, 0, 0, 2, 0x09, 0xa3}},
		{"high bit", []byte{0x80}, []byte{0, 0, 0, 2, 0x00, 0x80}},
		{"leading zeros", []byte{0, 0, 0x7f, 0x01}, []byte{0, 0, 0, 2, 0x7f, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AppendMpint(nil, tt.in))
		})
	}
}

func TestParseHelpers(t *testing.T) {
	var p []byte
	p = AppendString(p, []byte("password"))
	p = AppendBool(p, true)
	p = AppendU32(p, 42)

	s, rest, err := ParseString(p)
	require.NoError(t, err)
	assert.Equal(t, "password", string(s))

	b, rest, err := ParseBool(rest)
	require.NoError(t, err)
	assert.True(t, b)

	v, rest, err := ParseU32(rest)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	assert.Empty(t, rest)

	_, _, err = ParseString([]byte{0, 0, 0, 9, 'x'})
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestMessageRoundTrip(t *testing.T) {
	in := ChannelOpenMsg{ChanType: "session", PeersID: 3, PeersWindow: 1 << 21, MaxPacketSize: 1 << 15}
	p := Marshal(&in)
	assert.Equal(t, byte(MsgChannelOpen), p[0])

	var out ChannelOpenMsg
	require.NoError(t, Unmarshal(p, &out))
	assert.Equal(t, in.ChanType, out.ChanType)
	assert.Equal(t, in.PeersWindow, out.PeersWindow)

	var wrong ChannelCloseMsg
	assert.Error(t, Unmarshal(p, &wrong))
	assert.Equal(t, "channel-open", Name(p))
}
