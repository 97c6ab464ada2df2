// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repeats finds tandem repeats in a reference assembly and answers
// overlap queries against them.
package repeats

import (
	"sort"
	"strings"

	"github.com/grailbio/cohortvar/reference"
)

// Opts controls repeat detection.
type Opts struct {
	// MaxUnitLength is the longest repeat unit searched for.
	MaxUnitLength int
	// MinCount is the minimum number of whole units in a repeat.
	MinCount int
	// MinSpan is the minimum length of a repeat, in bases.
	MinSpan int
}

// DefaultOpts are the default detection options.
var DefaultOpts = Opts{
	MaxUnitLength: 4,
	MinCount:      2,
	MinSpan:       5,
}

// Region is a tandem repeat: Count copies of Unit covering the 0-based
// half-open interval [Start, End) of Chrom.
type Region struct {
	Chrom string
	Start int
	End   int
	Unit  string
	Count int
}

// UnitLen returns the repeat unit length.
func (r Region) UnitLen() int { return len(r.Unit) }

// Span returns the repeat length in bases.
func (r Region) Span() int { return r.End - r.Start }

// isPrimitive reports whether unit is not a power of a shorter string.
// "ATAT" and "AA" are not primitive; "ATG" is.
func isPrimitive(unit string) bool {
	n := len(unit)
	for d := 1; d < n; d++ {
		if n%d != 0 {
			continue
		}
		if strings.Repeat(unit[:d], n/d) == unit {
			return false
		}
	}
	return true
}

func isBase(b byte) bool {
	switch b {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}

// Scan finds the tandem repeats of one sequence.  For each unit length k,
// maximal runs with seq[i] == seq[i-k] are periodic stretches; each one is
// truncated to whole units counted from its left end and becomes a
// candidate.  Overlapping candidates are resolved greedily, longest span
// first, then shortest unit, then leftmost.  The result is sorted by Start
// and contains no overlapping regions.
//
// Case is ignored; stretches containing anything other than A, C, G or T are
// not repeats.
func Scan(chrom, seq string, opts Opts) []Region {
	seq = strings.ToUpper(seq)
	var candidates []Region
	for k := 1; k <= opts.MaxUnitLength; k++ {
		i := k
		for i < len(seq) {
			if !(seq[i] == seq[i-k] && isBase(seq[i])) {
				i++
				continue
			}
			runStart := i
			for i < len(seq) && seq[i] == seq[i-k] && isBase(seq[i]) {
				i++
			}
			start := runStart - k
			count := (i - start) / k
			span := count * k
			if count < 2 || count < opts.MinCount || span < opts.MinSpan {
				continue
			}
			unit := seq[start : start+k]
			if !isPrimitive(unit) {
				continue
			}
			candidates = append(candidates, Region{
				Chrom: chrom,
				Start: start,
				End:   start + span,
				Unit:  unit,
				Count: count,
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Span() != b.Span() {
			return a.Span() > b.Span()
		}
		if a.UnitLen() != b.UnitLen() {
			return a.UnitLen() < b.UnitLen()
		}
		return a.Start < b.Start
	})
	accepted := newRegionTree()
	var regions []Region
	for _, c := range candidates {
		if accepted.overlaps(c.Start, c.End) {
			continue
		}
		accepted.insert(c.Start, c.End, len(regions))
		regions = append(regions, c)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions
}

// Build scans every sequence of ref, in parallel.
func Build(ref *reference.Reference, opts Opts) (*Catalog, error) {
	names := ref.Names()
	perChrom := make([][]Region, len(names))
	err := eachChrom(len(names), func(i int) error {
		seq, err := ref.Seq(names[i])
		if err != nil {
			return err
		}
		perChrom[i] = Scan(names[i], seq, opts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c := newCatalog(ref.Digest(), opts)
	for i, name := range names {
		c.add(name, perChrom[i])
	}
	return c, nil
}
