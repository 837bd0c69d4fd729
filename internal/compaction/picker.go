package compaction

import (
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/layer"
)

// LayerInfo is what pickers see of a disk layer.
type LayerInfo struct {
	ID           uint64
	Size          int64
	NumEntries    uint64
	NumKeys       uint64
	LowestSeq     dbformat.SequenceNumber
	HighestSeq    dbformat.SequenceNumber
	StorageSpeed  generation.StorageSpeed
	Priority      uint16
	CanTail       bool
	HasTombstones bool

	// Watermark is the repo's merge watermark when the layer was
	// described. Versions at or below it may be collapsed.
	Watermark dbformat.SequenceNumber
}

// Describe returns the picker view of layers, keeping their order.
func Describe(layers []*layer.Layer, watermark dbformat.SequenceNumber) []LayerInfo {
	out := make([]LayerInfo, len(layers))
	for i, l := range layers {
		m := l.Meta()
		out[i] = LayerInfo{
			ID:            l.ID(),
			Size:          l.SizeBytes(),
			NumEntries:    m.NumEntries,
			NumKeys:       m.NumKeys,
			LowestSeq:     m.LowestSeq,
			HighestSeq:    m.HighestSeq,
			StorageSpeed:  m.StorageSpeed,
			Priority:      m.Priority,
			CanTail:       l.CanTail(),
			HasTombstones: m.HasTombstones,
			Watermark:     watermark,
		}
	}
	return out
}

// Collectable reports whether merging the layer on its own may drop
// anything: some entry is at or below the watermark, and either a key has
// several versions or, for the oldest layer, there are tombstones.
func (l LayerInfo) Collectable(oldest bool) bool {
	if l.NumEntries == 0 || l.LowestSeq > l.Watermark {
		return false
	}
	return l.NumEntries > l.NumKeys || (oldest && l.HasTombstones)
}

// settles reports whether rewriting the layer alone leaves one version per
// key. Every entry is at or below the watermark, so the rewrite keeps only
// the newest of each key and the output is never picked again.
func (l LayerInfo) settles() bool {
	return l.NumEntries > l.NumKeys && l.HighestSeq <= l.Watermark
}

// Picker selects the next merge.
type Picker interface {
	// Pick returns a plan over layers, which are ordered newest first, or
	// nil when nothing should be merged.
	Pick(layers []LayerInfo) *Plan
}

// ManualPicker merges an explicit set of layers. With no IDs it merges
// every layer.
type ManualPicker struct {
	IDs []uint64
}

// Pick returns a plan when the selected layers are adjacent and there are
// at least two of them, or when the one selected layer is Collectable.
func (p ManualPicker) Pick(layers []LayerInfo) *Plan {
	if len(p.IDs) == 0 {
		switch {
		case len(layers) >= 2:
			return newPlan(layers, 0, len(layers), ReasonManual)
		case len(layers) == 1 && layers[0].Collectable(true):
			return newPlan(layers, 0, 1, ReasonGarbage)
		}
		return nil
	}
	want := make(map[uint64]bool, len(p.IDs))
	for _, id := range p.IDs {
		want[id] = true
	}
	start, end := -1, -1
	for i, l := range layers {
		if !want[l.ID] {
			continue
		}
		if start < 0 {
			start = i
		} else if end != i {
			return nil
		}
		end = i + 1
	}
	if start < 0 || end-start != len(want) {
		return nil
	}
	if end-start == 1 {
		if !layers[start].Collectable(end == len(layers)) {
			return nil
		}
		return newPlan(layers, start, end, ReasonGarbage)
	}
	return newPlan(layers, start, end, ReasonManual)
}
