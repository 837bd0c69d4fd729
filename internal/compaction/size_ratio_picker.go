package compaction

// SizeRatioOptions contains options for size-ratio (tiered) merging.
type SizeRatioOptions struct {
	// SizeRatio is the percentage trigger for size ratio merges.
	// A layer joins a run if it is at most (100 + SizeRatio) / 100 times
	// the accumulated size of the run.
	// Default: 1
	SizeRatio int

	// MinMergeWidth is the minimum number of layers to merge at once.
	// Default: 2
	MinMergeWidth int

	// MaxMergeWidth is the maximum number of layers to merge at once.
	// Default: unlimited (MaxInt)
	MaxMergeWidth int

	// MaxSizeAmplificationPercent triggers a merge of a whole tier when the
	// size of its older layers exceeds this percent of its newest layer.
	// Default: 200
	MaxSizeAmplificationPercent int

	// MaxLayers forces a merge of the newest layers of a tier when it holds
	// more layers than this. Zero disables the trigger.
	// Default: 16
	MaxLayers int
}

// DefaultSizeRatioOptions returns default size-ratio options.
func DefaultSizeRatioOptions() *SizeRatioOptions {
	return &SizeRatioOptions{
		SizeRatio:                   1,
		MinMergeWidth:               2,
		MaxMergeWidth:               1<<31 - 1, // MaxInt
		MaxSizeAmplificationPercent: 200,
		MaxLayers:                   16,
	}
}

// SizeRatioPicker merges contiguous runs of similarly sized layers on the
// same storage tier.
type SizeRatioPicker struct {
	opts *SizeRatioOptions
}

// NewSizeRatioPicker creates a size-ratio picker.
func NewSizeRatioPicker(opts *SizeRatioOptions) *SizeRatioPicker {
	if opts == nil {
		opts = DefaultSizeRatioOptions()
	}
	if opts.MinMergeWidth < 2 {
		opts.MinMergeWidth = 2
	}
	if opts.MaxMergeWidth < opts.MinMergeWidth {
		opts.MaxMergeWidth = opts.MinMergeWidth
	}
	return &SizeRatioPicker{opts: opts}
}

// tier is a maximal run of adjacent layers with the same storage speed.
type tier struct {
	start, end int
}

func tiers(layers []LayerInfo) []tier {
	var out []tier
	for i := 0; i < len(layers); {
		j := i + 1
		for j < len(layers) && layers[j].StorageSpeed == layers[i].StorageSpeed {
			j++
		}
		out = append(out, tier{start: i, end: j})
		i = j
	}
	return out
}

// Pick selects the next merge, newest tier first. When no run qualifies,
// it rewrites the newest single layer whose superseded versions are all
// below the watermark.
func (p *SizeRatioPicker) Pick(layers []LayerInfo) *Plan {
	if plan := p.pickRun(layers); plan != nil {
		return plan
	}
	for i, l := range layers {
		if l.settles() {
			return newPlan(layers, i, i+1, ReasonGarbage)
		}
	}
	return nil
}

func (p *SizeRatioPicker) pickRun(layers []LayerInfo) *Plan {
	for _, t := range tiers(layers) {
		if t.end-t.start < p.opts.MinMergeWidth {
			continue
		}
		// Priority 1: Size amplification (merge the whole tier)
		if t.end-t.start <= p.opts.MaxMergeWidth && p.sizeAmplification(layers[t.start:t.end]) > p.opts.MaxSizeAmplificationPercent {
			return newPlan(layers, t.start, t.end, ReasonSizeAmplification)
		}
		// Priority 2: Size ratio
		if plan := p.findSizeRatio(layers, t); plan != nil {
			return plan
		}
		// Priority 3: Too many layers
		if p.opts.MaxLayers > 0 && t.end-t.start > p.opts.MaxLayers {
			width := max(t.end-t.start-p.opts.MaxLayers+1, p.opts.MinMergeWidth)
			return newPlan(layers, t.start, t.start+min(width, p.opts.MaxMergeWidth), ReasonLayerCount)
		}
	}
	return nil
}

// sizeAmplification is the size of all but the newest layer as a percent
// of the newest layer.
func (p *SizeRatioPicker) sizeAmplification(layers []LayerInfo) int {
	if len(layers) < 2 {
		return 0
	}
	var older int64
	for _, l := range layers[1:] {
		older += l.Size
	}
	newest := layers[0].Size
	if newest <= 0 {
		return 0
	}
	return int(older * 100 / newest)
}

// findSizeRatio finds the first run, newest first, where no layer is larger
// than the run before it by more than SizeRatio percent.
func (p *SizeRatioPicker) findSizeRatio(layers []LayerInfo, t tier) *Plan {
	threshold := int64(100 + p.opts.SizeRatio)
	for start := t.start; start < t.end-1; start++ {
		acc := layers[start].Size
		end := start + 1
		for end < t.end && end-start < p.opts.MaxMergeWidth {
			next := layers[end].Size
			if acc*threshold/100 < next {
				break
			}
			acc += next
			end++
		}
		if end-start >= p.opts.MinMergeWidth {
			return newPlan(layers, start, end, ReasonSizeRatio)
		}
	}
	return nil
}
