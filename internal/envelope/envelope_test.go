package envelope

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, limit int) *Codec {
	t.Helper()
	codec, err := NewCodec(CodecConfig{Pool: workpool.New(2), DecompressedLimit: limit})
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestReadFrameSequence(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WriteFrame(&stream, []byte("meta")))
	require.NoError(t, WriteFrame(&stream, []byte("payload")))
	require.NoError(t, WriteFrame(&stream, nil))

	first, err := ReadFrame(&stream, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), first)
	second, err := ReadFrame(&stream, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), second)
	terminator, err := ReadFrame(&stream, 16)
	require.NoError(t, err)
	assert.NotNil(t, terminator)
	assert.Empty(t, terminator)

	_, err = ReadFrame(&stream, 16)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameRejectsOversizedDeclarationBeforeAllocating(t *testing.T) {
	header := binary.BigEndian.AppendUint32(nil, 1<<31)
	_, err := ReadFrame(bytes.NewReader(header), DefaultDataFrameLimit)
	require.ErrorIs(t, err, collab.ErrDecode)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameRejectsTruncatedInput(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 16)
	require.ErrorIs(t, err, ErrTruncatedFrame)

	truncated := AppendFrame(nil, []byte("abcdef"))[:7]
	_, err = ReadFrame(bytes.NewReader(truncated), 16)
	require.ErrorIs(t, err, collab.ErrDecode)
	require.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestDecodeSingleFrame(t *testing.T) {
	payload, err := DecodeSingleFrame(AppendFrame(nil, []byte("x")), 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), payload)

	_, err = DecodeSingleFrame(append(AppendFrame(nil, []byte("x")), 'y'), 8)
	require.ErrorIs(t, err, collab.ErrDecode)
}

func TestCompressionRoundTrip(t *testing.T) {
	codec := newTestCodec(t, 1<<20)
	ctx := context.Background()
	payload := []byte(strings.Repeat("collaborative ", 500))

	for _, compression := range []Compression{None, Zstd, Brotli(0), Brotli(8192)} {
		compressed, err := codec.Compress(ctx, compression, payload)
		require.NoError(t, err, compression.Algorithm.String())
		if compression.Algorithm != AlgorithmNone {
			assert.Less(t, len(compressed), len(payload))
		}
		restored, err := codec.Decompress(ctx, compression, compressed)
		require.NoError(t, err, compression.Algorithm.String())
		assert.Equal(t, payload, restored)
	}
}

func TestDecompressCapsExpansion(t *testing.T) {
	producer := newTestCodec(t, 1<<20)
	ctx := context.Background()
	bomb := bytes.Repeat([]byte{0}, 64<<10)

	consumer := newTestCodec(t, 4<<10)
	for _, compression := range []Compression{Zstd, Brotli(0)} {
		compressed, err := producer.Compress(ctx, compression, bomb)
		require.NoError(t, err)
		_, err = consumer.Decompress(ctx, compression, compressed)
		require.ErrorIs(t, err, collab.ErrDecode, compression.Algorithm.String())
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t, 1<<20)
	ctx := context.Background()
	_, err := codec.Decompress(ctx, Zstd, []byte("definitely not compressed"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, collab.ErrDecode), "expected decode error, got %v", err)

	compressed, err := codec.Compress(ctx, Brotli(0), []byte(strings.Repeat("truncate me ", 200)))
	require.NoError(t, err)
	_, err = codec.Decompress(ctx, Brotli(0), compressed[:len(compressed)/2])
	require.Error(t, err)
	assert.True(t, errors.Is(err, collab.ErrDecode), "expected decode error, got %v", err)
}

func TestParseCompressionHeader(t *testing.T) {
	compression, err := ParseCompressionHeader("", "")
	require.NoError(t, err)
	assert.Equal(t, None, compression)

	compression, err = ParseCompressionHeader("Brotli", "2048")
	require.NoError(t, err)
	assert.Equal(t, Brotli(2048), compression)

	_, err = ParseCompressionHeader("gzip", "")
	require.ErrorIs(t, err, collab.ErrDecode)
	_, err = ParseCompressionHeader("brotli", "-5")
	require.ErrorIs(t, err, collab.ErrDecode)

	_, err = NewCompression(9, 0)
	require.ErrorIs(t, err, ErrUnknownCompression)
}

func TestReadBodyLimit(t *testing.T) {
	body, err := ReadBody(strings.NewReader("abc"), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), body)

	_, err = ReadBody(strings.NewReader("abcd"), 3)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}
