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

// Package indelrate estimates per-sample indel error rates inside tandem
// repeats, bucketed by (repeat unit length, unit count).
package indelrate

import (
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/encoding/bamprovider"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/grailbio/hts/sam"
)

// Kind selects which indel rate to look up.
type Kind int

const (
	// Any is the combined insertion and deletion rate.
	Any Kind = iota
	// Insertion is the rate of reads gaining whole units.
	Insertion
	// Deletion is the rate of reads losing whole units.
	Deletion
)

// Opts controls rate estimation.
type Opts struct {
	// Filter selects the reads that are counted.
	Filter pileup.Filter
	// PseudoCount is added to both the indel and the spanning read count of
	// every bucket, so that no rate is zero.
	PseudoCount float64
	// MinSpanningReads is the support a bucket needs to have its own rate.
	// Sparser buckets borrow the rate of a neighbor.
	MinSpanningReads int64
	// DefaultRate is used when no bucket of a unit length has support.
	DefaultRate float64
}

// DefaultOpts are the default estimation options.
var DefaultOpts = Opts{
	Filter:           pileup.DefaultFilter,
	PseudoCount:      1,
	MinSpanningReads: 20,
	DefaultRate:      1e-3,
}

// Key identifies a bucket.
type Key struct {
	UnitLen int
	Count   int
}

// Counts are the raw observations of one bucket.
type Counts struct {
	// Spanning is the number of reads that span a repeat of the bucket and
	// either match the reference or carry a whole-unit indel.
	Spanning   int64
	Insertions int64
	Deletions  int64
}

// Counter accumulates Counts over alignments.
type Counter struct {
	catalog *repeats.Catalog
	filter  pileup.Filter
	counts  map[Key]*Counts
	// Reads skipped because an indel only partly overlapped a repeat, or
	// changed its length by a non-multiple of the unit length.
	ignored int64
}

// NewCounter creates a counter with an empty bucket for every (unit length,
// count) pair present in catalog.
func NewCounter(catalog *repeats.Catalog, filter pileup.Filter) *Counter {
	c := &Counter{catalog: catalog, filter: filter, counts: make(map[Key]*Counts)}
	catalog.Each(func(r repeats.Region) {
		k := Key{r.UnitLen(), r.Count}
		if c.counts[k] == nil {
			c.counts[k] = &Counts{}
		}
	})
	return c
}

// Add counts one alignment against every repeat it spans with at least one
// flanking base on each side.
func (c *Counter) Add(rec *sam.Record) {
	if !c.filter.Accept(rec) {
		return
	}
	regions := c.catalog.Spanned(rec.Ref.Name(), rec.Pos, rec.End())
	for _, r := range regions {
		net, indel, ok := netLength(rec, r)
		if !ok {
			c.ignored++
			continue
		}
		k := Key{r.UnitLen(), r.Count}
		b := c.counts[k]
		if b == nil {
			b = &Counts{}
			c.counts[k] = b
		}
		switch {
		case !indel:
			b.Spanning++
		case net != 0 && net%r.UnitLen() == 0:
			b.Spanning++
			if net > 0 {
				b.Insertions++
			} else {
				b.Deletions++
			}
		default:
			c.ignored++
		}
	}
}

// netLength returns the net length change of rec inside region r: inserted
// bases at reference positions in [Start, End] minus deleted bases within
// [Start, End).  ok is false if a deletion straddles a region boundary.
func netLength(rec *sam.Record, r repeats.Region) (net int, indel bool, ok bool) {
	pos := rec.Pos
	for _, op := range rec.Cigar {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarSkipped:
			pos += n
		case sam.CigarInsertion:
			if pos >= r.Start && pos <= r.End {
				net += n
				indel = true
			}
		case sam.CigarDeletion:
			end := pos + n
			switch {
			case pos >= r.Start && end <= r.End:
				net -= n
				indel = true
			case pos < r.End && end > r.Start:
				return 0, false, false
			}
			pos = end
		}
		if pos > r.End {
			break
		}
	}
	return net, indel, true
}

// Counts returns the accumulated counts.
func (c *Counter) Counts() map[Key]Counts {
	m := make(map[Key]Counts, len(c.counts))
	for k, v := range c.counts {
		m[k] = *v
	}
	return m
}

// Fit counts every alignment of iter and estimates the rate table.
func Fit(catalog *repeats.Catalog, iter bamprovider.Iterator, opts Opts) (*Table, error) {
	c := NewCounter(catalog, opts.Filter)
	for iter.Scan() {
		c.Add(iter.Record())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.E(err, "counting repeat-spanning reads")
	}
	if c.ignored > 0 {
		log.Debug.Printf("indelrate: ignored %d read/repeat pairs with partial or fractional-unit indels", c.ignored)
	}
	return NewTable(c.Counts(), opts), nil
}

// sortedKeys returns the keys of counts grouped by unit length, each group
// sorted by count.
func sortedKeys(counts map[Key]Counts) map[int][]int {
	byUnit := make(map[int][]int)
	for k := range counts {
		byUnit[k.UnitLen] = append(byUnit[k.UnitLen], k.Count)
	}
	for _, cs := range byUnit {
		sort.Ints(cs)
	}
	return byUnit
}
