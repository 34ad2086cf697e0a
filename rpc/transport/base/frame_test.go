package base

import (
	"bytes"
	"net"
	"testing"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	for _, checksum := range []bool{false, true} {
		var buf bytes.Buffer
		payload := net.Buffers{[]byte("hello "), []byte("world")}
		require.NoError(t, writeFrame(&buf, 7, 42, transport.FlagRequest, payload, checksum))
		assert.Equal(t, HeaderSize+11, buf.Len())

		h, data, err := readFrame(&buf, nil)
		require.NoError(t, err)
		assert.Equal(t, transport.Verb(7), h.verb)
		assert.Equal(t, uint64(42), h.requestID)
		assert.Equal(t, transport.FlagRequest, h.flags)
		assert.Equal(t, checksum, h.checksum)
		assert.Equal(t, []byte("hello world"), data)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 1, 1, 0, nil, true))

	_, data, err := readFrame(&buf, make([]byte, HeaderSize))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFrameChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 1, 1, 0, net.Buffers{[]byte("payload")}, true))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	_, _, err := readFrame(bytes.NewReader(raw), nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestFrameCorruptedWithoutChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 1, 1, 0, net.Buffers{[]byte("payload")}, false))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	// without a checksum a corrupted payload goes unnoticed
	_, data, err := readFrame(bytes.NewReader(raw), nil)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("payload"), data)
}

func TestFrameBadMagic(t *testing.T) {
	_, _, err := readFrame(bytes.NewReader(make([]byte, HeaderSize)), nil)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, 1, 1, 0, nil, false))
	raw := buf.Bytes()
	raw[14], raw[15], raw[16], raw[17] = 0xff, 0xff, 0xff, 0xff

	_, _, err := readFrame(bytes.NewReader(raw), nil)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
