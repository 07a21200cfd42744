package store

import (
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"

	maxBlobSize = 64 << 20
)

// Shared coders; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlobSize))
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// Digest returns the hex BLAKE3-256 of an uncompressed blob.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encodeBlob compresses data when asked to and when it actually shrinks.
func encodeBlob(data []byte, compress bool) ([]byte, string) {
	if !compress {
		return data, EncodingJSON
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingJSON
	}
	return compressed, EncodingZstd
}

func decodeBlob(blob []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		return blob, nil
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown blob encoding %q", encoding)
	}
}
