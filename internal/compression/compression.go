// Package compression compresses individual record values before they are
// written to a generation.
//
// Each record stores a 1-byte Type followed by the (possibly compressed)
// value. A value is only stored compressed when that makes it smaller, so
// readers must always consult the per-record type.
package compression

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
// These values are persisted and MUST NOT change.
type Type uint8

const (
	// None stores the value as is.
	None Type = 0x0
	// Snappy uses Google Snappy compression.
	Snappy Type = 0x1
	// Zlib uses zlib (deflate with header) compression.
	Zlib Type = 0x2
	// LZ4 uses LZ4 frame compression.
	LZ4 Type = 0x4
	// Zstd uses Zstandard compression.
	Zstd Type = 0x7
)

// ErrUnsupported is returned for unknown compression types.
var ErrUnsupported = errors.New("compression: unsupported type")

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Zlib, LZ4, Zstd:
		return true
	default:
		return false
	}
}

// ParseType maps a configuration name to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zlib":
		return Zlib, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstdCodecs returns process-wide encoder and decoder. Both are safe for
// concurrent EncodeAll/DecodeAll.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, fmt.Errorf("lz4 apply level: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil

	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Decode(nil, data)

	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)

	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// MaybeCompress compresses value with t when it is at least threshold bytes
// long and compression shrinks it. It returns the type actually used.
func MaybeCompress(t Type, value []byte, threshold int) (Type, []byte, error) {
	if t == None || len(value) == 0 || len(value) < threshold {
		return None, value, nil
	}
	out, err := Compress(t, value)
	if err != nil {
		return None, nil, err
	}
	if len(out) >= len(value) {
		return None, value, nil
	}
	return t, out, nil
}
