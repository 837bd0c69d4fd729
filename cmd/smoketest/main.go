// End-to-end smoke test for genkv.
//
// Use `smoketest` to run a fast end-to-end check across core features.
// `smoketest` creates a store, writes data, flushes, merges, reopens the
// store and verifies results.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest -config=smoke.yaml -keys=10000
// ```
//
// Settings come from the YAML file given with -config, then from
// GENKV_* environment variables (a .env file in the working directory is
// loaded first), then from flags.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aalhour/genkv"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	numKeys    = flag.Int("keys", 0, "Number of keys to write (overrides config)")
	keepDir    = flag.Bool("keep", false, "Keep the store after the test")
	verbose    = flag.Bool("v", false, "Verbose output")
)

const testDirPrefix = "genkv-smoke-"

func main() {
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}
	if *numKeys > 0 {
		cfg.Data.Keys = *numKeys
	}
	if _, err := cfg.Options(); err != nil {
		fatal("Invalid config: %v", err)
	}

	fmt.Println("genkv smoke test")
	fmt.Printf("Keys: %d, value size: %d bytes, compression: %s\n\n", cfg.Data.Keys, cfg.Data.ValueSize, cfg.Storage.Compression)

	testDir := cfg.Storage.Dir
	if testDir == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("Failed to create temp dir: %v", err)
		}
		if !*keepDir {
			defer os.RemoveAll(testDir)
		}
	}
	fmt.Printf("Store path: %s\n", testDir)

	keys, values := generateTestData(cfg.Data.Keys, cfg.Data.ValueSize)
	passed, failed := runAll(cfg, testDir, keys, values)

	fmt.Println()
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Println("SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("SMOKE TEST PASSED")
	if *keepDir {
		fmt.Printf("\nStore kept at: %s\n", testDir)
	}
}

type smokeTest struct {
	name string
	fn   func(cfg *Config, dir string, keys, values [][]byte) error
}

var smokeTests = []smokeTest{
	{"Basic Write/Read", testBasicWriteRead},
	{"Persistence (Close/Reopen)", testPersistence},
	{"Overwrite and Delete", testOverwriteDelete},
	{"Batch Write", testBatchWrite},
	{"Merge Data Integrity", testMergeIntegrity},
	{"Snapshot Isolation Through Merge", testSnapshotIsolation},
	{"Walker Ordering", testWalkerOrdering},
	{"Update Walker", testUpdateWalker},
	{"Background Merges", testBackgroundMerges},
}

func runAll(cfg *Config, dir string, keys, values [][]byte) (passed, failed int) {
	for _, t := range smokeTests {
		fmt.Printf("\nTest: %s\n", t.name)
		testPath := filepath.Join(dir, sanitizeName(t.name))
		os.RemoveAll(testPath) // Clean up from previous runs

		start := time.Now()
		err := t.fn(cfg, testPath, keys, values)
		elapsed := time.Since(start)
		if err != nil {
			fmt.Printf("   FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("   PASSED (%v)\n", elapsed)
			passed++
		}
	}
	return passed, failed
}

func generateTestData(n int, valueSize int) ([][]byte, [][]byte) {
	keys := make([][]byte, n)
	values := make([][]byte, n)

	for i := range n {
		keys[i] = fmt.Appendf(nil, "key%08d", i)
		values[i] = make([]byte, valueSize)
		_, _ = rand.Read(values[i])
		// Embed key index in value for verification
		copy(values[i], fmt.Sprintf("idx=%08d|", i))
	}
	return keys, values
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

// openStore opens a store and returns its only repo, creating it when the
// store is new.
func openStore(cfg *Config, dir string) (*genkv.Manager, *genkv.Repo, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = quietLogger{}
	m, err := genkv.Open(dir, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("open failed: %w", err)
	}
	if repos := m.Repos(); len(repos) > 0 {
		return m, repos[0], nil
	}
	r, err := m.NewRepo()
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, r, nil
}

func writeAll(r *genkv.Repo, keys, values [][]byte) error {
	for i := range keys {
		if _, err := r.Put(keys[i], values[i]); err != nil {
			return fmt.Errorf("put %d failed: %w", i, err)
		}
	}
	log("  Wrote %d keys", len(keys))
	return nil
}

func verifyAll(r *genkv.Repo, keys, values [][]byte) error {
	for i := range keys {
		val, err := r.Get(keys[i], nil)
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	log("  Verified %d keys", len(keys))
	return nil
}

func testBasicWriteRead(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := writeAll(r, keys, values); err != nil {
		return err
	}
	return verifyAll(r, keys, values)
}

func testPersistence(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	if err := writeAll(r, keys, values); err != nil {
		_ = m.Close()
		return err
	}
	lastSeq := r.LastSequence()
	if err := m.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	m, r, err = openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	if got := r.LastSequence(); got != lastSeq {
		return fmt.Errorf("last sequence %d after reopen, want %d", got, lastSeq)
	}
	log("  Reopened with %d layers", r.NumLayers())
	return verifyAll(r, keys, values)
}

func testOverwriteDelete(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := writeAll(r, keys, values); err != nil {
		return err
	}
	if err := r.Flush(context.Background()); err != nil {
		return err
	}
	for i := 0; i < len(keys); i += 2 {
		if _, err := r.Delete(keys[i]); err != nil {
			return fmt.Errorf("delete %d failed: %w", i, err)
		}
	}
	for i := 1; i < len(keys); i += 2 {
		if _, err := r.Put(keys[i], []byte("new")); err != nil {
			return fmt.Errorf("overwrite %d failed: %w", i, err)
		}
	}
	for i := range keys {
		val, err := r.Get(keys[i], nil)
		switch {
		case i%2 == 0 && !errors.Is(err, genkv.ErrNotFound):
			return fmt.Errorf("deleted key %d: got %v", i, err)
		case i%2 == 1 && (err != nil || string(val) != "new"):
			return fmt.Errorf("overwritten key %d: %q, %v", i, val, err)
		}
	}
	return nil
}

func testBatchWrite(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()

	wb := genkv.NewWriteBatch()
	const batchSize = 500
	for i := range keys {
		wb.Put(keys[i], values[i])
		if wb.Count() == batchSize || i == len(keys)-1 {
			if _, err := r.Write(wb); err != nil {
				return fmt.Errorf("write batch failed: %w", err)
			}
			wb.Clear()
		}
	}
	if got := r.LastSequence(); got != uint64(len(keys)) {
		return fmt.Errorf("last sequence %d, want %d", got, len(keys))
	}
	return verifyAll(r, keys, values)
}

// foreground returns cfg with background merges off, for tests that
// check the exact outcome of one merge.
func foreground(cfg *Config) *Config {
	c := *cfg
	c.Storage.MaxBackgroundMerges = 0
	return &c
}

func testMergeIntegrity(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(foreground(cfg), dir)
	if err != nil {
		return err
	}
	defer m.Close()
	ctx := context.Background()

	// Write everything twice so the merge has versions to drop.
	for range 2 {
		if err := writeAll(r, keys, values); err != nil {
			return err
		}
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
	r.SetReleasedUpTo(r.LastSequence())
	if _, err := r.CompactAll(ctx); err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	layers := r.Layers()
	log("  %d layers after merge", len(layers))
	if len(layers) != 1 || layers[0].NumEntries != uint64(len(keys)) {
		return fmt.Errorf("merge left %+v, want one layer of %d entries", layers, len(keys))
	}
	return verifyAll(r, keys, values)
}

func testSnapshotIsolation(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	ctx := context.Background()

	if err := writeAll(r, keys, values); err != nil {
		return err
	}
	snap := m.NewSnapshot(r)
	defer snap.Release()
	for i := range keys {
		if _, err := r.Put(keys[i], []byte("changed")); err != nil {
			return err
		}
	}
	if err := r.Flush(ctx); err != nil {
		return err
	}
	r.SetReleasedUpTo(r.LastSequence())
	if _, err := r.CompactAll(ctx); err != nil {
		return err
	}
	for i := range keys {
		val, err := r.Get(keys[i], &genkv.ReadOptions{Snapshot: snap})
		if err != nil || !bytes.Equal(val, values[i]) {
			return fmt.Errorf("snapshot read of key %d: %v", i, err)
		}
	}
	return nil
}

func testWalkerOrdering(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	// Write in reverse so ordering comes from the walker, not the input.
	for i := len(keys) - 1; i >= 0; i-- {
		if _, err := r.Put(keys[i], values[i]); err != nil {
			return err
		}
		if i == len(keys)/2 {
			if err := r.Flush(context.Background()); err != nil {
				return err
			}
		}
	}
	w, err := r.NewPresentWalker(nil, nil, nil)
	if err != nil {
		return err
	}
	defer w.Close()
	n := 0
	for w.Next() {
		if !bytes.Equal(w.Key(), keys[n]) {
			return fmt.Errorf("walker position %d: key %q, want %q", n, w.Key(), keys[n])
		}
		n++
	}
	if err := w.Err(); err != nil {
		return err
	}
	if n != len(keys) {
		return fmt.Errorf("walker yielded %d keys, want %d", n, len(keys))
	}
	return nil
}

func testUpdateWalker(cfg *Config, dir string, keys, values [][]byte) error {
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := writeAll(r, keys, values); err != nil {
		return err
	}
	from := uint64(len(keys)/2 + 1)
	w, err := r.NewUpdateWalker(from, 0)
	if err != nil {
		return err
	}
	defer w.Close()
	want := from
	for w.Next() {
		if w.Sequence() != want {
			return fmt.Errorf("update walker yielded seq %d, want %d", w.Sequence(), want)
		}
		want++
	}
	if err := w.Err(); err != nil {
		return err
	}
	if want != uint64(len(keys))+1 {
		return fmt.Errorf("update walker stopped at %d", want)
	}
	return nil
}

func testBackgroundMerges(cfg *Config, dir string, keys, values [][]byte) error {
	if cfg.Storage.MaxBackgroundMerges == 0 {
		log("  Background merges disabled, skipping")
		return nil
	}
	m, r, err := openStore(cfg, dir)
	if err != nil {
		return err
	}
	defer m.Close()
	ctx := context.Background()

	for round := range 6 {
		for i := round; i < len(keys); i += 6 {
			if _, err := r.Put(keys[i], values[i]); err != nil {
				return err
			}
		}
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
	deadline := time.Now().Add(30 * time.Second)
	for len(r.Layers()) > 2 {
		if time.Now().After(deadline) {
			return fmt.Errorf("background merges left %d layers", len(r.Layers()))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s := m.CacheStats(); *verbose {
		log("  cache: %d hits, %d misses, %d evictions", s.Hits, s.Misses, s.Evictions)
	}
	return verifyAll(r, keys, values)
}

// quietLogger drops everything but fatal conditions.
type quietLogger struct{}

func (quietLogger) Errorf(format string, args ...any) {}
func (quietLogger) Warnf(format string, args ...any)  {}
func (quietLogger) Infof(format string, args ...any)  {}
func (quietLogger) Debugf(format string, args ...any) {}
func (quietLogger) Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL "+format+"\n", args...)
}

func log(format string, args ...any) {
	if *verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
