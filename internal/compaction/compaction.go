// Package compaction merges runs of adjacent disk layers into one
// generation and garbage-collects versions no reader can see anymore.
//
// A Picker chooses what to merge; a Job performs one merge. Publishing the
// result in the repo's layer list is left to the caller.
package compaction

import (
	"fmt"

	"github.com/aalhour/genkv/internal/generation"
)

// Plan selects layers [Start, End) of a newest-first layer list.
type Plan struct {
	Start int
	End   int

	// StorageSpeed and Priority are recorded on the output.
	StorageSpeed generation.StorageSpeed
	Priority     uint16

	// IncludesOldest is set when the run reaches the oldest layer.
	IncludesOldest bool

	// The reason for this merge
	Reason Reason
}

// Width returns the number of layers merged.
func (p *Plan) Width() int { return p.End - p.Start }

func (p *Plan) String() string {
	return fmt.Sprintf("layers [%d,%d) speed=%s oldest=%v reason=%s", p.Start, p.End, p.StorageSpeed, p.IncludesOldest, p.Reason)
}

// newPlan fills in the output placement for layers[start:end].
func newPlan(layers []LayerInfo, start, end int, reason Reason) *Plan {
	p := &Plan{
		Start:          start,
		End:            end,
		StorageSpeed:   layers[start].StorageSpeed,
		IncludesOldest: end == len(layers),
		Reason:         reason,
	}
	for _, l := range layers[start:end] {
		p.Priority = max(p.Priority, l.Priority)
	}
	return p
}

// Reason indicates why a merge was triggered.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonManual
	ReasonSizeAmplification
	ReasonSizeRatio
	ReasonLayerCount
	ReasonGarbage
)

func (r Reason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonSizeAmplification:
		return "size amplification"
	case ReasonSizeRatio:
		return "size ratio"
	case ReasonLayerCount:
		return "layer count"
	case ReasonGarbage:
		return "garbage"
	default:
		return "unknown"
	}
}
