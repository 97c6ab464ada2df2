// Package distribution fits per-sample read depth and strand bias models and
// derives the depth-plausibility mask.
package distribution

import (
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/interval"
	"github.com/grailbio/cohortvar/pileup"
)

// DepthHistogram counts positions by total read depth.  Zero-depth positions
// are not recorded.
type DepthHistogram struct {
	counts map[uint32]int64
}

// NewDepthHistogram creates an empty histogram.
func NewDepthHistogram() *DepthHistogram {
	return &DepthHistogram{counts: make(map[uint32]int64)}
}

// Add records one position with the given depth.
func (h *DepthHistogram) Add(depth uint32) {
	if depth == 0 {
		return
	}
	h.counts[depth]++
}

// N returns the number of recorded positions.
func (h *DepthHistogram) N() int64 {
	var n int64
	for _, c := range h.counts {
		n += c
	}
	return n
}

// Depths returns the distinct recorded depths in increasing order.
func (h *DepthHistogram) Depths() []uint32 {
	depths := make([]uint32, 0, len(h.counts))
	for d := range h.counts {
		depths = append(depths, d)
	}
	sort.Slice(depths, func(i, j int) bool { return depths[i] < depths[j] })
	return depths
}

// Count returns the number of positions with the given depth.
func (h *DepthHistogram) Count(depth uint32) int64 { return h.counts[depth] }

// biasKey is a (forward depth, total depth) pair.
type biasKey struct {
	fwd, total uint32
}

// BiasHistogram counts positions by (forward depth, total depth), for
// positions with total depth of at least MinDepth.
type BiasHistogram struct {
	MinDepth uint32
	counts   map[biasKey]int64
}

// NewBiasHistogram creates an empty histogram.
func NewBiasHistogram(minDepth int) *BiasHistogram {
	if minDepth < 1 {
		minDepth = 1
	}
	return &BiasHistogram{MinDepth: uint32(minDepth), counts: make(map[biasKey]int64)}
}

// Add records one position.
func (h *BiasHistogram) Add(fwd, total uint32) {
	if total < h.MinDepth {
		return
	}
	h.counts[biasKey{fwd, total}]++
}

// N returns the number of recorded positions.
func (h *BiasHistogram) N() int64 {
	var n int64
	for _, c := range h.counts {
		n += c
	}
	return n
}

func (h *BiasHistogram) keys() []biasKey {
	keys := make([]biasKey, 0, len(h.counts))
	for k := range h.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].total != keys[j].total {
			return keys[i].total < keys[j].total
		}
		return keys[i].fwd < keys[j].fwd
	})
	return keys
}

// Histograms accumulates both histograms of one sample.
type Histograms struct {
	Depth *DepthHistogram
	Bias  *BiasHistogram
	// Excluded positions are not recorded.
	Excluded *interval.RegionSet
}

// NewHistograms creates empty histograms.
func NewHistograms(minBiasDepth int, excluded *interval.RegionSet) *Histograms {
	return &Histograms{
		Depth:    NewDepthHistogram(),
		Bias:     NewBiasHistogram(minBiasDepth),
		Excluded: excluded,
	}
}

// Observe records every position of c outside the excluded regions.
func (h *Histograms) Observe(c *pileup.ChromDepths) {
	excluded := h.Excluded.Intervals(c.Name)
	for pos := 0; pos < c.Len(); pos++ {
		for len(excluded) > 0 && int(excluded[0].End) <= pos {
			excluded = excluded[1:]
		}
		if len(excluded) > 0 && int(excluded[0].Start0) <= pos {
			pos = int(excluded[0].End) - 1
			continue
		}
		fwd, total := c.Fwd[pos], c.Fwd[pos]+c.Rev[pos]
		h.Depth.Add(total)
		h.Bias.Add(fwd, total)
	}
}

// WriteDepth writes the depth histogram as a two-column table: depth,
// number of positions.
func (h *DepthHistogram) WriteDepth(w io.Writer) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("depth")
	tw.WriteString("positions")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, d := range h.Depths() {
		tw.WriteUint32(d)
		tw.WriteInt64(h.counts[d])
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteBias writes the strand bias histogram: forward depth, total depth,
// forward ratio, number of positions.
func (h *BiasHistogram) WriteBias(w io.Writer) error {
	tw := tsv.NewWriter(w)
	for _, col := range []string{"forward", "total", "ratio", "positions"} {
		tw.WriteString(col)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, k := range h.keys() {
		tw.WriteUint32(k.fwd)
		tw.WriteUint32(k.total)
		tw.WriteString(strconv.FormatFloat(float64(k.fwd)/float64(k.total), 'f', 4, 64))
		tw.WriteInt64(h.counts[k])
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
