// Package main provides the gendump CLI tool for inspecting generation
// files.
//
// Usage:
//
//	gendump --file=<path> [options]
//
// Commands:
//
//	meta            Show the footer metadata
//	scan            Print every entry
//	check           Verify block checksums and entry order
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aalhour/genkv/internal/arena"
	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/hitcount"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
	"github.com/aalhour/genkv/internal/volume"
)

var (
	filePath    = flag.String("file", "", "Path to the generation file (required)")
	command     = flag.String("command", "scan", "Command: meta, scan, check")
	hexOutput   = flag.Bool("hex", false, "Output keys and values in hex format")
	limit       = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	fromKey     = flag.String("from", "", "Start key for scan")
	toKey       = flag.String("to", "", "End key for scan (exclusive)")
	showValues  = flag.Bool("values", true, "Show values in scan output")
	blockSize   = flag.Int("block_size", 4096, "Block size the file was written with")
	showSummary = flag.Bool("summary", true, "Show summary statistics")
	verbose     = flag.Bool("v", false, "Verbose output during check")
	help        = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Error: --file flag is required")
		printUsage()
		os.Exit(1)
	}

	var err error
	switch *command {
	case "meta":
		err = cmdMeta(os.Stdout, *filePath)
	case "scan":
		err = cmdScan(os.Stdout, *filePath)
	case "check":
		err = cmdCheck(os.Stdout, *filePath)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gendump - genkv generation file inspection tool")
	fmt.Println()
	fmt.Println("Usage: gendump --file=<path> [--command=<cmd>] [options]")
	fmt.Println()
	fmt.Println("Commands (--command):")
	fmt.Println("  meta   Show the footer metadata")
	fmt.Println("  scan   Print every entry (default)")
	fmt.Println("  check  Verify block checksums and entry order")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

// genFile is one generation mapped through a private volume and cache.
type genFile struct {
	vol    *volume.Volume
	cache  *cache.Cache
	reader *generation.Reader
}

func openGen(ctx context.Context, path string) (*genFile, error) {
	fs := vfs.Default()
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	blocks := int(info.Size() / int64(*blockSize))
	if blocks == 0 {
		return nil, fmt.Errorf("%w: file is smaller than one block", generation.ErrCorruption)
	}

	log := logging.Discard
	vol := volume.New(fs, *blockSize, blocks, log)
	c, err := cache.New(cache.Config{
		BlockSize:       *blockSize,
		CacheSize:       16,
		NumLRU:          1,
		HitCounter:      hitcount.New(*blockSize, blocks),
		VerifyChecksums: true,
	}, vol, log)
	if err != nil {
		_ = vol.Close()
		return nil, err
	}
	g := &genFile{vol: vol, cache: c}
	m, err := vol.Map(path)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to map file: %w", err)
	}
	r, err := generation.Open(ctx, arena.New(c, m.Start, m.Blocks, *blockSize))
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to open generation: %w", err)
	}
	g.reader = r
	return g, nil
}

func (g *genFile) Close() {
	_ = g.cache.Close()
	_ = g.vol.Close()
}

func formatOutput(data []byte) string {
	if *hexOutput {
		return hex.EncodeToString(data)
	}
	// Print as string if printable, else hex
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func cmdMeta(w io.Writer, path string) error {
	f, err := vfs.Default().OpenRandomAccess(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	m, err := generation.ReadMeta(f, *blockSize)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Generation file: %s\n", path)
	fmt.Fprintln(w, "---")
	fmt.Fprintf(w, "File size: %d bytes (%d blocks)\n", f.Size(), f.Size()/int64(*blockSize))
	fmt.Fprintf(w, "File name: %s\n", filepath.Base(path))
	fmt.Fprintf(w, "Generation id: %d\n", m.GenID)
	fmt.Fprintf(w, "Generation uuid: %s\n", m.UUID)
	fmt.Fprintf(w, "Repo id: %s\n", m.RepoID)
	fmt.Fprintf(w, "Keys: %d\n", m.NumKeys)
	fmt.Fprintf(w, "Entries: %d\n", m.NumEntries)
	fmt.Fprintf(w, "Sequence range: [%d, %d]\n", m.LowestSeq, m.HighestSeq)
	fmt.Fprintf(w, "Superseded span: [%d, %d]\n", m.SpanLow, m.SpanHigh)
	fmt.Fprintf(w, "Storage speed: %s\n", m.StorageSpeed)
	fmt.Fprintf(w, "Priority: %d\n", m.Priority)
	fmt.Fprintf(w, "Can tail: %v\n", m.CanTail)
	fmt.Fprintf(w, "Data length: %d\n", m.DataLength)
	fmt.Fprintf(w, "Index: offset %d, length %d\n", m.IndexOffset, m.IndexLength)
	return nil
}

func cmdScan(w io.Writer, path string) error {
	ctx := context.Background()
	g, err := openGen(ctx, path)
	if err != nil {
		return err
	}
	defer g.Close()

	fmt.Fprintf(w, "Generation file: %s\n", path)
	fmt.Fprintln(w, "---")

	c := g.reader.NewCursor(ctx)
	defer c.Close()
	if *fromKey != "" {
		c.Seek([]byte(*fromKey))
	} else {
		c.SeekToFirst()
	}

	count, tombstones := 0, 0
	var totalKeyBytes, totalValueBytes int64
	for ; c.Valid(); c.Next() {
		e := c.Entry()
		if *toKey != "" && bytes.Compare(e.Key, []byte(*toKey)) >= 0 {
			break
		}
		switch {
		case e.IsTombstone():
			fmt.Fprintf(w, "%s @ %d : DELETE\n", formatOutput(e.Key), e.Seq)
			tombstones++
		case *showValues:
			fmt.Fprintf(w, "%s @ %d => %s\n", formatOutput(e.Key), e.Seq, formatOutput(e.Value))
		default:
			fmt.Fprintf(w, "%s @ %d\n", formatOutput(e.Key), e.Seq)
		}
		totalKeyBytes += int64(len(e.Key))
		totalValueBytes += int64(len(e.Value))
		count++

		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("cursor error: %w", err)
	}

	if *showSummary {
		fmt.Fprintln(w, "---")
		fmt.Fprintf(w, "Total entries: %d\n", count)
		fmt.Fprintf(w, "Tombstones: %d\n", tombstones)
		fmt.Fprintf(w, "Total key bytes: %d\n", totalKeyBytes)
		fmt.Fprintf(w, "Total value bytes: %d\n", totalValueBytes)
	}
	return nil
}

// errCheckFailed is returned by check when the file has errors.
var errCheckFailed = errors.New("generation check failed")

func cmdCheck(w io.Writer, path string) error {
	f, err := vfs.Default().OpenRandomAccess(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	size := f.Size()

	fmt.Fprintf(w, "Checking generation file: %s\n", path)
	fmt.Fprintln(w, "---")

	checksumErrors, formatErrors := 0, 0
	if size%int64(*blockSize) != 0 {
		fmt.Fprintf(w, "File size %d is not a multiple of the block size %d\n", size, *blockSize)
		formatErrors++
	}
	block := make([]byte, *blockSize)
	blocks := int(size / int64(*blockSize))
	for i := range blocks {
		if _, err := f.ReadAt(block, int64(i)*int64(*blockSize)); err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			return fmt.Errorf("read block %d: %w", i, err)
		}
		if *verbose {
			fmt.Fprintf(w, "  Verifying block %d (checksum %016x)...\n", i, checksum.Value(checksum.Payload(block)))
		}
		if err := checksum.Verify(block); err != nil {
			fmt.Fprintf(w, "Block %d: %v\n", i, err)
			checksumErrors++
		}
	}
	_ = f.Close()

	count := 0
	if checksumErrors == 0 && formatErrors == 0 {
		count, err = checkEntries(path)
		if err != nil {
			fmt.Fprintf(w, "Entry error: %v\n", err)
			formatErrors++
		}
	}

	fmt.Fprintln(w, "---")
	fmt.Fprintf(w, "Blocks verified: %d\n", blocks)
	fmt.Fprintf(w, "Total entries scanned: %d\n", count)
	if checksumErrors == 0 {
		fmt.Fprintln(w, "Checksum verification: PASSED")
	} else {
		fmt.Fprintf(w, "Checksum verification: FAILED (%d errors)\n", checksumErrors)
	}
	if formatErrors > 0 {
		fmt.Fprintf(w, "Format errors: %d\n", formatErrors)
	}
	if total := checksumErrors + formatErrors; total > 0 {
		return fmt.Errorf("%w: %d errors", errCheckFailed, total)
	}
	fmt.Fprintln(w, "Generation file is valid")
	return nil
}

// checkEntries walks every entry and verifies entry order and the counts
// recorded in the footer.
func checkEntries(path string) (int, error) {
	ctx := context.Background()
	g, err := openGen(ctx, path)
	if err != nil {
		return 0, err
	}
	defer g.Close()

	meta := g.reader.Meta()
	if err := meta.Validate(); err != nil {
		return 0, err
	}
	c := g.reader.NewCursor(ctx)
	defer c.Close()

	var prev dbformat.Entry
	count, keys := 0, 0
	for c.SeekToFirst(); c.Valid(); c.Next() {
		e := c.Entry()
		if count > 0 {
			if dbformat.CompareEntries(&prev, e) >= 0 {
				return count, fmt.Errorf("entry %d (%q@%d) is not after %q@%d", count, e.Key, e.Seq, prev.Key, prev.Seq)
			}
		}
		if count == 0 || !bytes.Equal(prev.Key, e.Key) {
			keys++
		}
		if e.Seq < meta.LowestSeq || e.Seq > meta.HighestSeq {
			return count, fmt.Errorf("entry %d seq %d outside [%d, %d]", count, e.Seq, meta.LowestSeq, meta.HighestSeq)
		}
		prev = e.Clone()
		count++
	}
	if err := c.Err(); err != nil {
		return count, err
	}
	if uint64(count) != meta.NumEntries || uint64(keys) != meta.NumKeys {
		return count, fmt.Errorf("footer records %d entries and %d keys, found %d and %d",
			meta.NumEntries, meta.NumKeys, count, keys)
	}
	return count, nil
}
