package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/dRT/rpc/transport"
	"github.com/cespare/xxhash/v2"
)

var (
	// ErrChecksumMismatch is returned when a frame's payload does not match its checksum
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	// ErrFrameTooLarge is returned when a frame announces a payload above MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrBadMagic is returned when the stream is not aligned to a frame header
	ErrBadMagic = errors.New("invalid frame magic")
)

const (
	frameMagic uint16 = 0x4454

	// HeaderSize is the fixed size of every frame header
	HeaderSize = 26

	// MaxFrameSize limits the payload of a single frame
	MaxFrameSize = 64 << 20

	frameFlagChecksum uint8 = 1
)

// frameHeader is the decoded header of a frame
type frameHeader struct {
	flags     transport.MessageFlags
	checksum  bool
	verb      transport.Verb
	requestID uint64
	length    uint32
	sum       uint64
}

// writeFrame writes a frame with the format:
// - 2 bytes: magic (uint16, big endian)
// - 1 byte: message flags
// - 1 byte: frame flags (bit 0: checksum present)
// - 2 bytes: verb (uint16, big endian)
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: payload length (uint32, big endian)
// - 8 bytes: xxhash64 of the payload, zero without checksum
// - N bytes: payload
func writeFrame(w io.Writer, verb transport.Verb, requestID uint64, flags transport.MessageFlags, payload net.Buffers, checksum bool) error {
	size := 0
	for _, b := range payload {
		size += len(b)
	}
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(header[0:2], frameMagic)
	header[2] = byte(flags)
	binary.BigEndian.PutUint16(header[4:6], uint16(verb))
	binary.BigEndian.PutUint64(header[6:14], requestID)
	binary.BigEndian.PutUint32(header[14:18], uint32(size))

	if checksum {
		header[3] = frameFlagChecksum
		binary.BigEndian.PutUint64(header[18:26], checksumOf(payload))
	}

	b := make(net.Buffers, 0, len(payload)+1)
	b = append(b, header)
	b = append(b, payload...)
	_, err := b.WriteTo(w)
	return err
}

// readFrame reads one frame using header as scratch space (at least HeaderSize bytes).
// The returned payload is freshly allocated and owned by the caller.
func readFrame(r io.Reader, header []byte) (frameHeader, []byte, error) {
	if len(header) < HeaderSize {
		header = make([]byte, HeaderSize)
	}
	header = header[:HeaderSize]

	if _, err := io.ReadFull(r, header); err != nil {
		return frameHeader{}, nil, err
	}

	if binary.BigEndian.Uint16(header[0:2]) != frameMagic {
		return frameHeader{}, nil, ErrBadMagic
	}

	h := frameHeader{
		flags:     transport.MessageFlags(header[2]),
		checksum:  header[3]&frameFlagChecksum != 0,
		verb:      transport.Verb(binary.BigEndian.Uint16(header[4:6])),
		requestID: binary.BigEndian.Uint64(header[6:14]),
		length:    binary.BigEndian.Uint32(header[14:18]),
		sum:       binary.BigEndian.Uint64(header[18:26]),
	}

	if h.length > MaxFrameSize {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.length)
	}

	data := make([]byte, h.length)
	if _, err := io.ReadFull(r, data); err != nil {
		return h, nil, err
	}

	if h.checksum && xxhash.Sum64(data) != h.sum {
		return h, nil, fmt.Errorf("%w: verb %d request %d", ErrChecksumMismatch, h.verb, h.requestID)
	}

	return h, data, nil
}

func checksumOf(payload net.Buffers) uint64 {
	if len(payload) == 1 {
		return xxhash.Sum64(payload[0])
	}
	d := xxhash.New()
	for _, b := range payload {
		_, _ = d.Write(b)
	}
	return d.Sum64()
}
