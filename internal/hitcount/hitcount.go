// Package hitcount keeps a log-compressed popularity counter for every block
// of the volume.
//
// A counter holding c represents roughly e^c hits. Adding n hits stores
// floor(ln(floor(e^c) + n)), so a byte-sized counter covers more than
// 10^19 hits. Counters are packed four per 32-bit word and updated with
// compare-and-swap.
package hitcount

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
)

// MaxValue is the largest counter value. floor(e^44) is the last power that
// fits in a uint64.
const MaxValue = 44

// expFloor[k] = floor(e^k).
var expFloor = [MaxValue + 1]uint64{
	1, 2, 7, 20, 54, 148, 403, 1096, 2980, 8103,
	22026, 59874, 162754, 442413, 1202604, 3269017, 8886110, 24154952, 65659969, 178482300,
	485165195, 1318815734, 3584912846, 9744803446, 26489122129, 72004899337, 195729609428, 532048240601, 1446257064291, 3931334297144,
	10686474581524, 29048849665247, 78962960182680, 214643579785916, 583461742527454, 1586013452313430, 4311231547115195, 11719142372802611, 31855931757113756, 86593400423993746,
	235385266837019985, 639843493530054949, 1739274941520501047, 4727839468229346561, 12851600114359308275,
}

// lnFloor returns floor(ln(x)) for x >= 1, capped at MaxValue.
//
// e^k is irrational for k >= 1, so x >= e^k exactly when x > floor(e^k).
func lnFloor(x uint64) uint8 {
	k := uint8(0)
	for k < MaxValue && x > expFloor[k+1] {
		k++
	}
	return k
}

// next returns the counter value after adding n hits to a counter at prev.
func next(prev uint8, n uint64) uint8 {
	sum, carry := bits.Add64(expFloor[prev], n, 0)
	if carry != 0 {
		return MaxValue
	}
	return max(lnFloor(sum), prev)
}

// Counter holds one log counter per block.
type Counter struct {
	blockSize int64
	numBlocks int
	words     []atomic.Uint32
}

// New creates counters for numBlocks blocks of blockSize bytes.
func New(blockSize, numBlocks int) *Counter {
	if blockSize <= 0 || numBlocks < 0 {
		panic(fmt.Sprintf("hitcount: invalid geometry %d x %d", blockSize, numBlocks))
	}
	return &Counter{
		blockSize: int64(blockSize),
		numBlocks: numBlocks,
		words:     make([]atomic.Uint32, (numBlocks+3)/4),
	}
}

// NumBlocks returns the number of counters.
func (c *Counter) NumBlocks() int { return c.numBlocks }

// BlockOf returns the block containing a volume byte offset.
func (c *Counter) BlockOf(offset int64) int {
	return int(offset / c.blockSize)
}

func (c *Counter) locate(id int) (*atomic.Uint32, uint) {
	if id < 0 || id >= c.numBlocks {
		panic(fmt.Sprintf("hitcount: block %d out of range [0, %d)", id, c.numBlocks))
	}
	return &c.words[id/4], uint(id%4) * 8
}

// AddHits records n hits on block id. Counters never decrease.
func (c *Counter) AddHits(id int, n uint64) {
	w, shift := c.locate(id)
	if n == 0 {
		return
	}
	for {
		old := w.Load()
		prev := uint8(old >> shift)
		v := next(prev, n)
		if v == prev {
			return
		}
		updated := old&^(0xFF<<shift) | uint32(v)<<shift
		if w.CompareAndSwap(old, updated) {
			return
		}
	}
}

// GetNumHits returns the compressed counter of block id.
func (c *Counter) GetNumHits(id int) uint8 {
	w, shift := c.locate(id)
	return uint8(w.Load() >> shift)
}

// Reset zeroes the counter of block id.
func (c *Counter) Reset(id int) {
	w, shift := c.locate(id)
	for {
		old := w.Load()
		if uint8(old>>shift) == 0 {
			return
		}
		if w.CompareAndSwap(old, old&^(0xFF<<shift)) {
			return
		}
	}
}

// Step returns the number of hits that must be added in one AddHits call
// to move a counter at v to v+1. Single hits never advance a counter, so
// callers batch hits until they reach Step.
func Step(v uint8) uint64 {
	if v >= MaxValue {
		return math.MaxUint64
	}
	return expFloor[v+1] + 1 - expFloor[v]
}

// Approx returns the lower bound of hits a counter value represents.
func Approx(v uint8) uint64 {
	return expFloor[min(v, MaxValue)]
}
