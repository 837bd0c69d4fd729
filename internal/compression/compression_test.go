package compression

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("generation record value "), 64)
	for _, typ := range []Type{None, Snappy, Zlib, LZ4, Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			compressed, err := Compress(typ, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			got, err := Decompress(typ, compressed)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
			}
		})
	}
}

func TestUnsupported(t *testing.T) {
	if _, err := Compress(Type(0x3), []byte("x")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Compress(0x3) = %v, want ErrUnsupported", err)
	}
	if _, err := Decompress(Type(0x9), []byte("x")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Decompress(0x9) = %v, want ErrUnsupported", err)
	}
	if Type(0x3).IsSupported() {
		t.Error("0x3 should not be supported")
	}
}

func TestMaybeCompress(t *testing.T) {
	big := bytes.Repeat([]byte{'a'}, 4096)

	typ, out, err := MaybeCompress(Snappy, big, 64)
	if err != nil {
		t.Fatal(err)
	}
	if typ != Snappy || len(out) >= len(big) {
		t.Errorf("large compressible value: type=%v len=%d", typ, len(out))
	}

	typ, out, err = MaybeCompress(Snappy, []byte("short"), 64)
	if err != nil {
		t.Fatal(err)
	}
	if typ != None || string(out) != "short" {
		t.Errorf("below threshold: type=%v out=%q", typ, out)
	}

	// Incompressible input stays uncompressed.
	random := []byte{0x9f, 0x11, 0xe2, 0x07, 0x5c, 0xa8, 0x33, 0xd1}
	typ, _, err = MaybeCompress(Zstd, random, 1)
	if err != nil {
		t.Fatal(err)
	}
	if typ != None {
		t.Errorf("incompressible value stored as %v", typ)
	}
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{"": None, "none": None, "Snappy": Snappy, "zlib": Zlib, "lz4": LZ4, "ZSTD": Zstd}
	for in, want := range tests {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Errorf("ParseType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseType("bzip2"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ParseType(bzip2) = %v, want ErrUnsupported", err)
	}
}
