package compaction

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/generation"
)

func sized(sizes ...int64) []LayerInfo {
	out := make([]LayerInfo, len(sizes))
	for i, s := range sizes {
		out[i] = LayerInfo{ID: uint64(100 - i), Size: s}
	}
	return out
}

func TestSizeRatioPickerNothingToDo(t *testing.T) {
	p := NewSizeRatioPicker(nil)
	require.Nil(t, p.Pick(nil))
	require.Nil(t, p.Pick(sized(10)))
	// The older layer is too large to join the newest one but too small
	// to amplify.
	require.Nil(t, p.Pick(sized(10, 15)))
}

func TestSizeRatioPickerSizeAmplification(t *testing.T) {
	p := NewSizeRatioPicker(nil)
	plan := p.Pick(sized(10, 15, 200))
	require.NotNil(t, plan)
	require.Equal(t, ReasonSizeAmplification, plan.Reason)
	require.Equal(t, 0, plan.Start)
	require.Equal(t, 3, plan.End)
	require.True(t, plan.IncludesOldest)
}

func TestSizeRatioPickerSizeRatio(t *testing.T) {
	opts := DefaultSizeRatioOptions()
	opts.MaxSizeAmplificationPercent = 1 << 30
	p := NewSizeRatioPicker(opts)

	plan := p.Pick(sized(10, 10, 20, 1000))
	require.NotNil(t, plan)
	require.Equal(t, ReasonSizeRatio, plan.Reason)
	require.Equal(t, 0, plan.Start)
	require.Equal(t, 3, plan.End)
	require.False(t, plan.IncludesOldest)

	// A newest layer much smaller than the next one starts no run.
	plan = p.Pick(sized(1, 500, 500, 100000))
	require.NotNil(t, plan)
	require.Equal(t, 1, plan.Start)
	require.Equal(t, 3, plan.End)
}

func TestSizeRatioPickerMaxMergeWidth(t *testing.T) {
	opts := DefaultSizeRatioOptions()
	opts.MaxSizeAmplificationPercent = 10000
	opts.MaxMergeWidth = 2
	p := NewSizeRatioPicker(opts)
	plan := p.Pick(sized(10, 10, 10, 10))
	require.NotNil(t, plan)
	require.Equal(t, 2, plan.Width())
}

func TestSizeRatioPickerLayerCount(t *testing.T) {
	opts := DefaultSizeRatioOptions()
	opts.MaxSizeAmplificationPercent = 1 << 30
	opts.MaxLayers = 3
	p := NewSizeRatioPicker(opts)
	// Sizes grow too fast for a ratio merge.
	plan := p.Pick(sized(1, 10, 100, 1000, 10000))
	require.NotNil(t, plan)
	require.Equal(t, ReasonLayerCount, plan.Reason)
	require.Equal(t, 0, plan.Start)
	require.Equal(t, 3, plan.End)
}

func TestSizeRatioPickerStaysWithinStorageTier(t *testing.T) {
	p := NewSizeRatioPicker(nil)
	layers := sized(10, 10, 10, 10)
	layers[2].StorageSpeed = generation.Slow
	layers[3].StorageSpeed = generation.Slow
	layers[1].Priority = 7

	plan := p.Pick(layers)
	require.NotNil(t, plan)
	require.Equal(t, 0, plan.Start)
	require.Equal(t, 2, plan.End)
	require.Equal(t, generation.Fast, plan.StorageSpeed)
	require.Equal(t, uint16(7), plan.Priority)
	require.False(t, plan.IncludesOldest)
}

func TestManualPicker(t *testing.T) {
	layers := sized(1, 2, 3, 4)

	plan := ManualPicker{}.Pick(layers)
	require.NotNil(t, plan)
	require.Equal(t, 0, plan.Start)
	require.Equal(t, 4, plan.End)
	require.Equal(t, ReasonManual, plan.Reason)
	require.True(t, plan.IncludesOldest)

	plan = ManualPicker{IDs: []uint64{98, 99}}.Pick(layers)
	require.NotNil(t, plan)
	require.Equal(t, 1, plan.Start)
	require.Equal(t, 3, plan.End)

	require.Nil(t, ManualPicker{IDs: []uint64{100, 98}}.Pick(layers), "gap")
	require.Nil(t, ManualPicker{IDs: []uint64{99}}.Pick(layers), "single layer")
	require.Nil(t, ManualPicker{IDs: []uint64{99, 42}}.Pick(layers), "unknown layer")
	require.Nil(t, ManualPicker{}.Pick(layers[:1]))
}

func TestManualPickerSingleLayer(t *testing.T) {
	layer := LayerInfo{ID: 5, Size: 10, NumEntries: 4, NumKeys: 2, LowestSeq: 3, HighestSeq: 9}

	require.Nil(t, ManualPicker{}.Pick([]LayerInfo{layer}), "nothing at or below the watermark")

	layer.Watermark = 3
	plan := ManualPicker{}.Pick([]LayerInfo{layer})
	require.NotNil(t, plan)
	require.Equal(t, ReasonGarbage, plan.Reason)
	require.Equal(t, 1, plan.Width())
	require.True(t, plan.IncludesOldest)

	// One version per key: only tombstones in the oldest layer can go.
	layer.NumKeys = 4
	require.Nil(t, ManualPicker{}.Pick([]LayerInfo{layer}))
	layer.HasTombstones = true
	require.NotNil(t, ManualPicker{}.Pick([]LayerInfo{layer}))

	newer := layer
	newer.ID = 6
	require.Nil(t, ManualPicker{IDs: []uint64{6}}.Pick([]LayerInfo{newer, layer}), "tombstones above an older layer stay")
	require.NotNil(t, ManualPicker{IDs: []uint64{5}}.Pick([]LayerInfo{newer, layer}))
}

func TestSizeRatioPickerCollectsSettledLayer(t *testing.T) {
	p := NewSizeRatioPicker(nil)
	layers := sized(10, 15)
	require.Nil(t, p.Pick(layers))

	layers[1].NumEntries, layers[1].NumKeys = 8, 4
	layers[1].LowestSeq, layers[1].HighestSeq = 1, 8
	layers[1].Watermark = 7
	require.Nil(t, p.Pick(layers), "a version above the watermark could survive the rewrite")

	layers[1].Watermark = 8
	plan := p.Pick(layers)
	require.NotNil(t, plan)
	require.Equal(t, ReasonGarbage, plan.Reason)
	require.Equal(t, 1, plan.Start)
	require.Equal(t, 2, plan.End)
}
