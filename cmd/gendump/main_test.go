package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/compression"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/vfs"
)

// writeTestGen writes n keys, each with a value and an older tombstone.
func writeTestGen(t *testing.T, n int) string {
	t.Helper()
	pool, err := mempool.NewGrowingPool("test", *blockSize, 1, 1, logging.Discard)
	if err != nil {
		t.Fatalf("NewGrowingPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	meta := generation.Meta{GenID: 7, RepoID: uuid.New()}
	b, err := generation.NewBuilder(vfs.Default(), t.TempDir(), meta, generation.WriterOptions{
		BlockSize:            *blockSize,
		IndexInterval:        4,
		Compression:          compression.Snappy,
		CompressionThreshold: 16,
		Pool:                 pool,
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	seq := dbformat.SequenceNumber(2 * n)
	for i := range n {
		key := []byte(fmt.Sprintf("key%04d", i))
		value := bytes.Repeat([]byte{byte('a' + i%26)}, 40)
		if err := b.Add(&dbformat.Entry{Key: key, Seq: seq, Type: dbformat.TypeValue, Value: value}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if err := b.Add(&dbformat.Entry{Key: key, Seq: seq - 1, Type: dbformat.TypeDeletion}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		seq -= 2
	}
	if _, err := b.Publish(); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return b.Path()
}

func TestMeta(t *testing.T) {
	path := writeTestGen(t, 10)
	var out bytes.Buffer
	if err := cmdMeta(&out, path); err != nil {
		t.Fatalf("meta: %v", err)
	}
	for _, want := range []string{"Generation id: 7", "Keys: 10", "Entries: 20", "Sequence range: [1, 20]"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("meta output misses %q:\n%s", want, out.String())
		}
	}
}

func TestScan(t *testing.T) {
	path := writeTestGen(t, 100)

	var out bytes.Buffer
	if err := cmdScan(&out, path); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !strings.Contains(out.String(), "Total entries: 200") {
		t.Errorf("scan summary:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "key0000 @ 199 : DELETE") {
		t.Errorf("scan misses the tombstone of key0000:\n%s", out.String())
	}

	*fromKey, *toKey = "key0050", "key0052"
	defer func() { *fromKey, *toKey = "", "" }()
	out.Reset()
	if err := cmdScan(&out, path); err != nil {
		t.Fatalf("ranged scan: %v", err)
	}
	if !strings.Contains(out.String(), "Total entries: 4") {
		t.Errorf("ranged scan summary:\n%s", out.String())
	}
}

func TestCheck(t *testing.T) {
	path := writeTestGen(t, 200)

	var out bytes.Buffer
	if err := cmdCheck(&out, path); err != nil {
		t.Fatalf("check of a valid file: %v\n%s", err, out.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	out.Reset()
	if err := cmdCheck(&out, path); !errors.Is(err, errCheckFailed) {
		t.Fatalf("check of a corrupt file = %v, want errCheckFailed", err)
	}
	if !strings.Contains(out.String(), "Block 0:") {
		t.Errorf("check does not name the corrupt block:\n%s", out.String())
	}
}
