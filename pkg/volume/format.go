package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression applied to a container payload.
type Codec uint8

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = iota

	// CodecGzip compresses the payload with gzip (the default).
	CodecGzip

	// CodecLZ4 compresses the payload with LZ4 framing.
	CodecLZ4
)

// String returns the codec name used in error messages.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecGzip:
		return "gzip"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func (c Codec) valid() bool {
	return c <= CodecLZ4
}

// formatMagic identifies a volume container file.
var formatMagic = [4]byte{'M', 'T', 'V', 'L'}

// formatVersion is the current container layout version.
const formatVersion uint8 = 1

// compressPayload runs raw through the codec and returns the compressed
// bytes.
func compressPayload(c Codec, raw []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return raw, nil
	case CodecGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", c)
	}
}

// decompressPayload reverses compressPayload. size is the expected
// uncompressed byte count recorded in the header.
func decompressPayload(c Codec, compressed []byte, size uint64) ([]byte, error) {
	var r io.Reader
	switch c {
	case CodecNone:
		if uint64(len(compressed)) != size {
			return nil, fmt.Errorf("payload size mismatch: header says %d bytes, file holds %d", size, len(compressed))
		}
		return compressed, nil
	case CodecGzip:
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer zr.Close()
		r = zr
	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(compressed))
	default:
		return nil, fmt.Errorf("unsupported codec %s", c)
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	// A well-formed payload ends exactly at size bytes.
	var trailer [1]byte
	if n, _ := r.Read(trailer[:]); n != 0 {
		return nil, fmt.Errorf("payload longer than the %d bytes declared in the header", size)
	}
	return raw, nil
}

// encodeFloats serialises values as little-endian float64s.
func encodeFloats(values []float64) []byte {
	raw := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return raw
}

// decodeFloats reverses encodeFloats into dst, which must already have
// the right length.
func decodeFloats(raw []byte, dst []float64) error {
	if len(raw) != 8*len(dst) {
		return fmt.Errorf("payload holds %d bytes, expected %d", len(raw), 8*len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return nil
}

// checksum returns the xxhash64 digest of the uncompressed payload.
func checksum(raw []byte) uint64 {
	return xxhash.Sum64(raw)
}
