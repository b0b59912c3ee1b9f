// Package eventcodec compresses stored event payloads. Transcripts are
// dominated by repetitive JSON, so zstd gets a large win on disk size.
package eventcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a stored payload is encoded.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// minCompressSize is the payload size below which compression is skipped;
// tiny payloads tend to grow when wrapped in a zstd frame.
const minCompressSize = 64

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("eventcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("eventcodec: init zstd decoder: %v", err))
	}
}

// Compress encodes the payload for storage and returns the bytes along
// with the Compression that was applied.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) < minCompressSize {
		return data, CompressionNone
	}
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decodes a stored payload according to its Compression.
// Returns an error for unknown compression values.
func Decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("eventcodec: unsupported compression: %q", c)
	}
}
