package encoding

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestVarint64RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1<<21 - 1, 1 << 35, 1<<64 - 1}
	for _, v := range values {
		buf := AppendVarint64(nil, v)
		if len(buf) != VarintLength(v) {
			t.Errorf("VarintLength(%d) = %d, encoded %d bytes", v, VarintLength(v), len(buf))
		}
		got, n, err := DecodeVarint64(buf)
		if err != nil || got != v || n != len(buf) {
			t.Errorf("DecodeVarint64(%d) = %d, %d, %v", v, got, n, err)
		}
		got, err = ReadVarint64(bufio.NewReader(bytes.NewReader(buf)))
		if err != nil || got != v {
			t.Errorf("ReadVarint64(%d) = %d, %v", v, got, err)
		}
	}
}

func TestReadVarint64Truncated(t *testing.T) {
	buf := AppendVarint64(nil, 1<<40)
	_, err := ReadVarint64(bytes.NewReader(buf[:2]))
	if !errors.Is(err, ErrVarintTermination) {
		t.Errorf("err = %v, want ErrVarintTermination", err)
	}
	if _, _, err := DecodeVarint64(buf[:2]); !errors.Is(err, ErrVarintTermination) {
		t.Errorf("DecodeVarint64 err = %v, want ErrVarintTermination", err)
	}
}

func TestSliceDecoding(t *testing.T) {
	var buf []byte
	buf = AppendFixed32(buf, 0xdeadbeef)
	buf = AppendFixed64(buf, 42)
	buf = AppendLengthPrefixedSlice(buf, []byte("generation"))
	buf = AppendVarint64(buf, 9000)

	s := NewSlice(buf)
	if v, ok := s.GetFixed32(); !ok || v != 0xdeadbeef {
		t.Fatalf("GetFixed32 = %x, %v", v, ok)
	}
	if v, ok := s.GetFixed64(); !ok || v != 42 {
		t.Fatalf("GetFixed64 = %d, %v", v, ok)
	}
	if v, ok := s.GetLengthPrefixedSlice(); !ok || string(v) != "generation" {
		t.Fatalf("GetLengthPrefixedSlice = %q, %v", v, ok)
	}
	if v, ok := s.GetVarint64(); !ok || v != 9000 {
		t.Fatalf("GetVarint64 = %d, %v", v, ok)
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", s.Remaining())
	}
	if _, ok := s.GetBytes(1); ok {
		t.Error("GetBytes past the end should fail")
	}
}
