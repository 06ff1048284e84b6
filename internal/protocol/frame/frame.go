// Package frame implements length-prefixed framing for trellis connections.
// Frames over a size threshold are LZ4-compressed; the header records the
// uncompressed size so the reader can allocate exactly once.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
)

const (
	// HeaderSize is the fixed frame header size:
	// 1 byte flags + 4 bytes payload size + 4 bytes uncompressed size.
	HeaderSize = 9

	// MaxFrameSize is the maximum allowed frame payload (16 MB).
	MaxFrameSize = 16 * 1024 * 1024

	// MinCompressibleSize is the smallest payload worth compressing.
	MinCompressibleSize = 70

	flagCompressed = 0x01
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrInvalidHeader is returned when a frame header is malformed.
	ErrInvalidHeader = errors.New("invalid frame header")
	// ErrDecompressFailed is returned when LZ4 decompression fails.
	ErrDecompressFailed = errors.New("failed to decompress frame")
)

// Write frames payload onto w, compressing it when worthwhile.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	body := payload
	var flags byte
	if len(payload) >= MinCompressibleSize {
		if compressed := tryCompress(payload); compressed != nil {
			body = compressed
			flags |= flagCompressed
		}
	}

	header := make([]byte, HeaderSize)
	header[0] = flags
	binary.BigEndian.PutUint32(header[1:5], uint32(len(body)))
	binary.BigEndian.PutUint32(header[5:9], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// Read reads one frame from r and returns the decompressed payload.
func Read(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	flags := header[0]
	payloadSize := binary.BigEndian.Uint32(header[1:5])
	uncompressedSize := binary.BigEndian.Uint32(header[5:9])

	if payloadSize > MaxFrameSize || uncompressedSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if flags&^flagCompressed != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrInvalidHeader, flags)
	}

	body := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	if flags&flagCompressed == 0 {
		if payloadSize != uncompressedSize {
			return nil, fmt.Errorf("%w: size mismatch on uncompressed frame", ErrInvalidHeader)
		}
		return body, nil
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(body, decompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompressFailed, err)
	}
	if n != int(uncompressedSize) {
		return nil, ErrDecompressFailed
	}
	return decompressed, nil
}

// tryCompress returns the LZ4 block for data, or nil when compression would
// not save space.
func tryCompress(data []byte) []byte {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil || n == 0 || n >= len(data) {
		return nil
	}
	return compressed[:n]
}
