package distribution

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/interval"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/cohortvar/reference"
	"github.com/willf/bitset"
)

// Mask records which genomic positions of a sample have plausible depth.  Set
// bits mark implausible positions; positions on chromosomes the mask does not
// know about are plausible.  A Mask is immutable once built.
type Mask struct {
	all    bool
	chroms []string
	bits   map[string]*bitset.BitSet
}

// PermissiveMask returns a mask under which every position is plausible.
func PermissiveMask() *Mask {
	return &Mask{all: true, bits: map[string]*bitset.BitSet{}}
}

func newMask() *Mask {
	return &Mask{bits: make(map[string]*bitset.BitSet)}
}

func (m *Mask) chrom(name string, length int) *bitset.BitSet {
	bs, ok := m.bits[name]
	if !ok {
		bs = bitset.New(uint(length))
		m.bits[name] = bs
		m.chroms = append(m.chroms, name)
	}
	return bs
}

// Plausible reports whether the 0-based position pos of chrom has plausible
// depth.
func (m *Mask) Plausible(chrom string, pos int) bool {
	if m == nil || m.all || pos < 0 {
		return true
	}
	bs, ok := m.bits[chrom]
	if !ok {
		return true
	}
	return !bs.Test(uint(pos))
}

// Permissive reports whether every position is plausible.
func (m *Mask) Permissive() bool { return m.all }

// Implausible returns the number of implausible positions.
func (m *Mask) Implausible() int64 {
	var n int64
	for _, bs := range m.bits {
		n += int64(bs.Count())
	}
	return n
}

// DepthMask marks each position read from spill as plausible iff its depth
// lies in model.Band(nSigma).  A degenerate model yields PermissiveMask().
// Widening nSigma never shrinks the plausible set.
func DepthMask(model DepthModel, nSigma float64, spill *pileup.SpillReader) (*Mask, error) {
	if model.Degenerate {
		return PermissiveMask(), nil
	}
	m := newMask()
	for spill.Scan() {
		depth := spill.Depth()
		bs := m.chrom(spill.Name(), len(depth))
		for pos, d := range depth {
			if !model.Plausible(d, nSigma) {
				bs.Set(uint(pos))
			}
		}
	}
	if err := spill.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteBED writes the implausible positions as a BED file of merged runs.
// Chromosomes appear in the order given by sizes, then the rest in mask order.
func (m *Mask) WriteBED(w io.Writer, sizes *reference.ChromSizes) error {
	tw := tsv.NewWriter(w)
	seen := make(map[string]bool)
	var names []string
	if sizes != nil {
		names = append(names, sizes.Names...)
	}
	names = append(names, m.chroms...)
	for _, name := range names {
		bs, ok := m.bits[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		start, ok := bs.NextSet(0)
		for ok {
			end, more := bs.NextClear(start)
			if !more {
				end = bs.Len()
			}
			tw.WriteString(name)
			tw.WriteInt64(int64(start))
			tw.WriteInt64(int64(end))
			if err := tw.EndLine(); err != nil {
				return err
			}
			if !more {
				break
			}
			start, ok = bs.NextSet(end)
		}
	}
	return tw.Flush()
}

// ReadMask loads a mask written by WriteBED.  Every chromosome of sizes is
// known to the mask.
func ReadMask(ctx context.Context, path string, sizes *reference.ChromSizes) (*Mask, error) {
	u, err := interval.NewRegionSetFromPath(ctx, path)
	if err != nil {
		return nil, err
	}
	m := newMask()
	for _, name := range sizes.Names {
		length := sizes.Lengths[name]
		bs := m.chrom(name, length)
		for _, e := range u.Intervals(name) {
			if int(e.End) > length {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("filtered region %s:%d-%d extends past chromosome end", name, e.Start0, e.End), path)
			}
			for pos := e.Start0; pos < e.End; pos++ {
				bs.Set(uint(pos))
			}
		}
	}
	return m, nil
}
