// Package envelope implements the length-prefixed framing and compression envelopes used on
// every transport. Size limits are enforced before any payload is allocated or decompressed.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
)

const (
	// FrameHeaderSize is the length of the big-endian length prefix.
	FrameHeaderSize = 4
	// DefaultMetadataFrameLimit caps metadata frames.
	DefaultMetadataFrameLimit = 4 << 20
	// DefaultDataFrameLimit caps data frames.
	DefaultDataFrameLimit = 32 << 20
	// DefaultHTTPBodyLimit caps whole HTTP bodies.
	DefaultHTTPBodyLimit = 50 << 20
	// DefaultDecompressedLimit caps the output of a single decompression.
	DefaultDecompressedLimit = 128 << 20
)

const (
	opReadFrame  = "envelope.read_frame"
	opDecompress = "envelope.decompress"
	opCompress   = "envelope.compress"
	opHeader     = "envelope.header"
)

var (
	// ErrFrameTooLarge indicates a declared frame length above the allowed limit.
	ErrFrameTooLarge = errors.New("envelope: frame exceeds limit")
	// ErrTruncatedFrame indicates a stream that ended inside a frame.
	ErrTruncatedFrame = errors.New("envelope: truncated frame")
)

// Limits groups the size guards applied by the transports.
type Limits struct {
	MetadataFrame int
	DataFrame     int
	HTTPBody      int64
	Decompressed  int
}

// DefaultLimits returns the production size guards.
func DefaultLimits() Limits {
	return Limits{
		MetadataFrame: DefaultMetadataFrameLimit,
		DataFrame:     DefaultDataFrameLimit,
		HTTPBody:      DefaultHTTPBodyLimit,
		Decompressed:  DefaultDecompressedLimit,
	}
}

// ReadFrame reads one frame from r. The declared length is checked against limit before
// the payload buffer is allocated. io.EOF is returned unwrapped when r is exhausted exactly
// at a frame boundary. A zero-length frame yields an empty, non-nil payload.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var header [FrameHeaderSize]byte
	read, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && read == 0 {
			return nil, io.EOF
		}
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "truncated_header", fmt.Errorf("%w: %v", ErrTruncatedFrame, err))
	}
	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(limit) {
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "too_large", fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "truncated_payload", fmt.Errorf("%w: %v", ErrTruncatedFrame, err))
	}
	return payload, nil
}

// AppendFrame appends payload to dst with its length prefix.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload to w with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, FrameHeaderSize+len(payload)), payload))
	return err
}

// DecodeSingleFrame parses a buffer that must contain exactly one frame.
func DecodeSingleFrame(data []byte, limit int) ([]byte, error) {
	if len(data) < FrameHeaderSize {
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "truncated_header", ErrTruncatedFrame)
	}
	length := binary.BigEndian.Uint32(data[:FrameHeaderSize])
	if uint64(length) > uint64(limit) {
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "too_large", fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit))
	}
	if uint64(len(data)-FrameHeaderSize) != uint64(length) {
		return nil, collab.NewError(collab.ErrDecode, opReadFrame, "length_mismatch",
			fmt.Errorf("%w: declared %d, have %d", ErrTruncatedFrame, length, len(data)-FrameHeaderSize))
	}
	return data[FrameHeaderSize:], nil
}
