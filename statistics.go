package genkv

// statistics.go implements the Statistics interface for collecting engine metrics.

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerBlockCacheMiss is the count of block cache misses.
	TickerBlockCacheMiss TickerType = iota
	// TickerBlockCacheHit is the count of block cache hits.
	TickerBlockCacheHit
	// TickerBlockCacheEviction is the count of blocks evicted from the cache.
	TickerBlockCacheEviction
	// TickerNumberKeysWritten is the count of mutations applied.
	TickerNumberKeysWritten
	// TickerNumberKeysRead is the count of point reads.
	TickerNumberKeysRead
	// TickerNumberKeysFound is the count of point reads that found a value.
	TickerNumberKeysFound
	// TickerNumberWalkerNext is the count of walker Next calls that yielded
	// an entry.
	TickerNumberWalkerNext
	// TickerFlushCount is the count of completed repo flushes.
	TickerFlushCount
	// TickerFlushFailures is the count of failed flushes.
	TickerFlushFailures
	// TickerMergeCount is the count of published merges.
	TickerMergeCount
	// TickerMergeFailures is the count of failed merges.
	TickerMergeFailures
	// TickerMergeWriteBytes is bytes written by merges.
	TickerMergeWriteBytes
	// TickerMergeKeyDropObsolete is versions dropped below the watermark.
	TickerMergeKeyDropObsolete
	// TickerMergeKeyDropTombstone is tombstones dropped by merges.
	TickerMergeKeyDropTombstone
	// TickerGenerationsDeleted is the count of generation files removed.
	TickerGenerationsDeleted

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"genkv.block.cache.miss",
	"genkv.block.cache.hit",
	"genkv.block.cache.eviction",
	"genkv.number.keys.written",
	"genkv.number.keys.read",
	"genkv.number.keys.found",
	"genkv.walker.next",
	"genkv.flush.count",
	"genkv.flush.failures",
	"genkv.merge.count",
	"genkv.merge.failures",
	"genkv.merge.write.bytes",
	"genkv.merge.key.drop.obsolete",
	"genkv.merge.key.drop.tombstone",
	"genkv.generations.deleted",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramGetMicros is the histogram for point read latency.
	HistogramGetMicros HistogramType = iota
	// HistogramWriteMicros is the histogram for batch write latency.
	HistogramWriteMicros
	// HistogramFlushMicros is the histogram for flush time.
	HistogramFlushMicros
	// HistogramMergeMicros is the histogram for merge time.
	HistogramMergeMicros
	// HistogramMergeInputLayers is the histogram for layers per merge.
	HistogramMergeInputLayers

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"genkv.get.micros",
	"genkv.write.micros",
	"genkv.flush.micros",
	"genkv.merge.micros",
	"genkv.merge.input.layers",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports engine metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

// histogramImpl is a simple histogram implementation.
type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(^uint64(0))
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

// GetTickerCount returns the current value of a ticker.
func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

// RecordTick increments a ticker by count.
func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

// SetTickerCount sets the ticker to a specific value.
func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

// GetHistogramData returns histogram statistics.
func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}

	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

// MeasureTime records a value to a histogram.
func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}

	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)

	// Update min atomically
	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}

	// Update max atomically
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Reset clears all statistics.
func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

// String returns a formatted string of all statistics.
func (s *statisticsImpl) String() string {
	var b strings.Builder

	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}

	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count > 0 {
			fmt.Fprintf(&b, "  %s :\n    Count: %d\n    Avg: %.2f\n    Min: %.2f\n    Max: %.2f\n",
				i, data.Count, data.Average, data.Min, data.Max)
		}
	}
	return b.String()
}

// recordTick is RecordTick on an optional Statistics.
func recordTick(s Statistics, t TickerType, count uint64) {
	if s != nil && count > 0 {
		s.RecordTick(t, count)
	}
}

// measure is MeasureTime on an optional Statistics.
func measure(s Statistics, h HistogramType, value uint64) {
	if s != nil {
		s.MeasureTime(h, value)
	}
}
