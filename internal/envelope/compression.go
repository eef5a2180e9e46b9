package envelope

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/workpool"
	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// HTTP headers carrying the compression envelope out of band.
const (
	HeaderCompressionType       = "X-Compression-Type"
	HeaderCompressionBufferSize = "X-Compression-Buffer-Size"
)

const (
	defaultZstdLevel         = 3
	defaultBrotliBufferSize  = 4096
	defaultBrotliWriterLevel = brotli.DefaultCompression
	maxBrotliBufferSize      = 1 << 20
)

var (
	// ErrUnknownCompression indicates an unsupported compression tag.
	ErrUnknownCompression = errors.New("envelope: unknown compression")
	// ErrDecompressedTooLarge indicates a payload that expands beyond the allowed limit.
	ErrDecompressedTooLarge = errors.New("envelope: decompressed payload exceeds limit")
)

// Algorithm enumerates the compression envelopes. The numeric values are wire values.
type Algorithm uint8

const (
	AlgorithmNone   Algorithm = 0
	AlgorithmZstd   Algorithm = 1
	AlgorithmBrotli Algorithm = 2
)

// String returns the header form of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmBrotli:
		return "brotli"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Compression is a compression envelope.
type Compression struct {
	Algorithm  Algorithm
	BufferSize int
}

var (
	// None leaves payloads untouched.
	None = Compression{Algorithm: AlgorithmNone}
	// Zstd is the default envelope for server responses.
	Zstd = Compression{Algorithm: AlgorithmZstd}
)

// Brotli returns a Brotli envelope with the given read buffer size.
func Brotli(bufferSize int) Compression {
	return Compression{Algorithm: AlgorithmBrotli, BufferSize: bufferSize}
}

// NewCompression validates a wire tag.
func NewCompression(tag uint64, bufferSize uint64) (Compression, error) {
	switch tag {
	case uint64(AlgorithmNone):
		return None, nil
	case uint64(AlgorithmZstd):
		return Zstd, nil
	case uint64(AlgorithmBrotli):
		if bufferSize > maxBrotliBufferSize {
			return Compression{}, collab.NewError(collab.ErrDecode, opHeader, "buffer_size", fmt.Errorf("%w: brotli buffer %d", ErrUnknownCompression, bufferSize))
		}
		return Brotli(int(bufferSize)), nil
	default:
		return Compression{}, collab.NewError(collab.ErrDecode, opHeader, "unknown_compression", fmt.Errorf("%w: %d", ErrUnknownCompression, tag))
	}
}

// ParseCompressionHeader resolves the envelope from HTTP header values. An empty type is None.
func ParseCompressionHeader(typeValue, bufferSizeValue string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(typeValue)) {
	case "", "none":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "brotli":
		bufferSize := 0
		if trimmed := strings.TrimSpace(bufferSizeValue); trimmed != "" {
			parsed, err := strconv.Atoi(trimmed)
			if err != nil || parsed < 0 || parsed > maxBrotliBufferSize {
				return Compression{}, collab.NewError(collab.ErrDecode, opHeader, "buffer_size", fmt.Errorf("%w: buffer size %q", ErrUnknownCompression, bufferSizeValue))
			}
			bufferSize = parsed
		}
		return Brotli(bufferSize), nil
	default:
		return Compression{}, collab.NewError(collab.ErrDecode, opHeader, "unknown_compression", fmt.Errorf("%w: %q", ErrUnknownCompression, typeValue))
	}
}

// Codec compresses and decompresses payloads on a bounded work pool.
type Codec struct {
	pool    *workpool.Pool
	limit   int
	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	Pool              *workpool.Pool
	DecompressedLimit int
	ZstdLevel         int
}

// NewCodec builds a Codec. The zstd encoder and decoder are shared and safe for concurrent use.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	limit := cfg.DecompressedLimit
	if limit <= 0 {
		limit = DefaultDecompressedLimit
	}
	level := cfg.ZstdLevel
	if level <= 0 {
		level = defaultZstdLevel
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("envelope: zstd decoder: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("envelope: zstd encoder: %w", err)
	}
	return &Codec{pool: cfg.Pool, limit: limit, decoder: decoder, encoder: encoder}, nil
}

// Close releases the zstd resources.
func (c *Codec) Close() {
	c.decoder.Close()
	_ = c.encoder.Close()
}

// Limit returns the decompressed size cap.
func (c *Codec) Limit() int {
	return c.limit
}

// Decompress unwraps payload. The output is capped at the codec limit; exceeding it or
// failing to decode yields a DecodeError.
func (c *Codec) Decompress(ctx context.Context, compression Compression, payload []byte) ([]byte, error) {
	if compression.Algorithm == AlgorithmNone {
		if len(payload) > c.limit {
			return nil, collab.NewError(collab.ErrDecode, opDecompress, "too_large", ErrDecompressedTooLarge)
		}
		return payload, nil
	}
	output, err := workpool.Run(ctx, c.pool, func() ([]byte, error) {
		return c.decompress(compression, payload)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var typed *collab.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, collab.NewError(collab.ErrDecode, opDecompress, compression.Algorithm.String(), err)
	}
	return output, nil
}

func (c *Codec) decompress(compression Compression, payload []byte) ([]byte, error) {
	switch compression.Algorithm {
	case AlgorithmZstd:
		output, err := c.decoder.DecodeAll(payload, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, collab.NewError(collab.ErrDecode, opDecompress, "too_large", ErrDecompressedTooLarge)
		}
		if err != nil {
			return nil, err
		}
		if len(output) > c.limit {
			return nil, collab.NewError(collab.ErrDecode, opDecompress, "too_large", ErrDecompressedTooLarge)
		}
		return output, nil
	case AlgorithmBrotli:
		bufferSize := compression.BufferSize
		if bufferSize <= 0 {
			bufferSize = defaultBrotliBufferSize
		}
		reader := bufio.NewReaderSize(brotli.NewReader(bytes.NewReader(payload)), bufferSize)
		output, err := io.ReadAll(io.LimitReader(reader, int64(c.limit)+1))
		if err != nil {
			return nil, err
		}
		if len(output) > c.limit {
			return nil, collab.NewError(collab.ErrDecode, opDecompress, "too_large", ErrDecompressedTooLarge)
		}
		return output, nil
	default:
		return nil, collab.NewError(collab.ErrDecode, opDecompress, "unknown_compression", fmt.Errorf("%w: %d", ErrUnknownCompression, compression.Algorithm))
	}
}

// Compress wraps payload in the requested envelope.
func (c *Codec) Compress(ctx context.Context, compression Compression, payload []byte) ([]byte, error) {
	switch compression.Algorithm {
	case AlgorithmNone:
		return payload, nil
	case AlgorithmZstd:
		return workpool.Run(ctx, c.pool, func() ([]byte, error) {
			return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2+64)), nil
		})
	case AlgorithmBrotli:
		return workpool.Run(ctx, c.pool, func() ([]byte, error) {
			var buffer bytes.Buffer
			writer := brotli.NewWriterLevel(&buffer, defaultBrotliWriterLevel)
			if _, err := writer.Write(payload); err != nil {
				return nil, err
			}
			if err := writer.Close(); err != nil {
				return nil, err
			}
			return buffer.Bytes(), nil
		})
	default:
		return nil, collab.NewError(collab.ErrInternal, opCompress, "unknown_compression", fmt.Errorf("%w: %d", ErrUnknownCompression, compression.Algorithm))
	}
}
