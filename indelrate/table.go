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

package indelrate

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Entry is the estimate of one bucket.
type Entry struct {
	Key
	Counts
	InsRate float64
	DelRate float64
	Rate    float64
	// Borrowed is set when the bucket had too little support and took the
	// rates of a neighboring bucket.
	Borrowed bool
}

func (e *Entry) rate(kind Kind) float64 {
	switch kind {
	case Insertion:
		return e.InsRate
	case Deletion:
		return e.DelRate
	}
	return e.Rate
}

// Table maps buckets to indel rates.  Within a unit length, rates never
// decrease with unit count, and no rate is zero.  A Table is immutable.
type Table struct {
	defaultRate float64
	entries     map[Key]*Entry
	byUnit      map[int][]int
}

// pava replaces y with its weighted isotonic (non-decreasing) regression,
// using the pool-adjacent-violators algorithm.
func pava(y, w []float64) {
	type block struct {
		mean, weight float64
		n            int
	}
	var blocks []block
	for i := range y {
		wi := w[i]
		if wi <= 0 {
			wi = 1e-9
		}
		blocks = append(blocks, block{y[i], wi, 1})
		for len(blocks) > 1 {
			last, prev := blocks[len(blocks)-1], blocks[len(blocks)-2]
			if prev.mean <= last.mean {
				break
			}
			weight := prev.weight + last.weight
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, block{
				mean:   (prev.mean*prev.weight + last.mean*last.weight) / weight,
				weight: weight,
				n:      prev.n + last.n,
			})
		}
	}
	i := 0
	for _, b := range blocks {
		for j := 0; j < b.n; j++ {
			y[i] = b.mean
			i++
		}
	}
}

// NewTable estimates rates from bucket counts.
//
// A supported bucket (at least MinSpanningReads spanning reads) has rate
// (indel reads + PseudoCount) / (spanning reads + PseudoCount).  Supported
// rates are then made non-decreasing in unit count with an isotonic
// regression weighted by spanning reads.  Sparse buckets take the rates of the
// nearest larger supported bucket of the same unit length, else the nearest
// smaller one, else DefaultRate.
func NewTable(counts map[Key]Counts, opts Opts) *Table {
	t := &Table{
		defaultRate: opts.DefaultRate,
		entries:     make(map[Key]*Entry, len(counts)),
		byUnit:      sortedKeys(counts),
	}
	pc := opts.PseudoCount
	for unitLen, cs := range t.byUnit {
		var (
			supported              []*Entry
			ins, del, all, weights []float64
		)
		for _, count := range cs {
			k := Key{unitLen, count}
			e := &Entry{Key: k, Counts: counts[k]}
			t.entries[k] = e
			if e.Spanning < opts.MinSpanningReads || e.Spanning == 0 {
				continue
			}
			s := float64(e.Spanning) + pc
			supported = append(supported, e)
			ins = append(ins, (float64(e.Insertions)+pc)/s)
			del = append(del, (float64(e.Deletions)+pc)/s)
			all = append(all, (float64(e.Insertions+e.Deletions)+pc)/s)
			weights = append(weights, float64(e.Spanning))
		}
		pava(ins, weights)
		pava(del, weights)
		pava(all, weights)
		for i, e := range supported {
			e.InsRate, e.DelRate, e.Rate = ins[i], del[i], all[i]
		}
		for i, count := range cs {
			e := t.entries[Key{unitLen, count}]
			if e.Spanning >= opts.MinSpanningReads && e.Spanning > 0 {
				continue
			}
			e.Borrowed = true
			var donor *Entry
			for _, c := range cs[i+1:] {
				if d := t.entries[Key{unitLen, c}]; !d.Borrowed && d.Spanning >= opts.MinSpanningReads && d.Spanning > 0 {
					donor = d
					break
				}
			}
			for j := i - 1; donor == nil && j >= 0; j-- {
				if d := t.entries[Key{unitLen, cs[j]}]; !d.Borrowed {
					donor = d
				}
			}
			if donor == nil {
				e.InsRate, e.DelRate, e.Rate = opts.DefaultRate, opts.DefaultRate, opts.DefaultRate
				log.Debug.Printf("indelrate: no supported bucket for unit length %d; using default rate %g", unitLen, opts.DefaultRate)
				continue
			}
			log.Debug.Printf("indelrate: bucket (%d, %d) has %d spanning reads; borrowing from count %d",
				unitLen, count, e.Spanning, donor.Count)
			e.InsRate, e.DelRate, e.Rate = donor.InsRate, donor.DelRate, donor.Rate
		}
	}
	return t
}

// Rate returns the rate of the given bucket.  An unknown unit count resolves
// to the nearest larger known count, else the nearest smaller one; an unknown
// unit length yields the default rate.
func (t *Table) Rate(unitLen, count int, kind Kind) float64 {
	if e, ok := t.entries[Key{unitLen, count}]; ok {
		return e.rate(kind)
	}
	cs := t.byUnit[unitLen]
	if len(cs) == 0 {
		return t.defaultRate
	}
	i := sort.SearchInts(cs, count)
	if i == len(cs) {
		i--
	}
	return t.entries[Key{unitLen, cs[i]}].rate(kind)
}

// DefaultRate returns the rate used for unknown unit lengths.
func (t *Table) DefaultRate() float64 { return t.defaultRate }

// Entries returns all buckets, sorted by unit length and then count.
func (t *Table) Entries() []Entry {
	var units []int
	for u := range t.byUnit {
		units = append(units, u)
	}
	sort.Ints(units)
	var entries []Entry
	for _, u := range units {
		for _, c := range t.byUnit[u] {
			entries = append(entries, *t.entries[Key{u, c}])
		}
	}
	return entries
}

var columns = []string{
	"unit_length", "unit_count", "spanning_reads", "insertion_reads", "deletion_reads",
	"insertion_rate", "deletion_rate", "rate", "borrowed",
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'g', -1, 64)
}

// Write writes t as a table with one row per bucket.  The default rate is
// recorded in a leading comment.
func Write(w io.Writer, t *Table) error {
	if _, err := io.WriteString(w, "#default_rate="+formatRate(t.defaultRate)+"\n"); err != nil {
		return err
	}
	tw := tsv.NewWriter(w)
	for _, col := range columns {
		tw.WriteString(col)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, e := range t.Entries() {
		tw.WriteInt64(int64(e.UnitLen))
		tw.WriteInt64(int64(e.Count))
		tw.WriteInt64(e.Spanning)
		tw.WriteInt64(e.Insertions)
		tw.WriteInt64(e.Deletions)
		tw.WriteString(formatRate(e.InsRate))
		tw.WriteString(formatRate(e.DelRate))
		tw.WriteString(formatRate(e.Rate))
		if e.Borrowed {
			tw.WriteString("yes")
		} else {
			tw.WriteString("no")
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

type row struct {
	UnitLen    int64  `tsv:"unit_length"`
	Count      int64  `tsv:"unit_count"`
	Spanning   int64  `tsv:"spanning_reads"`
	Insertions int64  `tsv:"insertion_reads"`
	Deletions  int64  `tsv:"deletion_reads"`
	InsRate    string `tsv:"insertion_rate"`
	DelRate    string `tsv:"deletion_rate"`
	Rate       string `tsv:"rate"`
	Borrowed   string `tsv:"borrowed"`
}

// Read parses a table written by Write.
func Read(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	t := &Table{entries: make(map[Key]*Entry), byUnit: make(map[int][]int)}
	const prefix = "#default_rate="
	if len(data) < len(prefix) || string(data[:len(prefix)]) != prefix {
		return nil, errors.E(errors.Invalid, "indel rate table has no default rate")
	}
	eol := len(prefix)
	for eol < len(data) && data[eol] != '\n' {
		eol++
	}
	if t.defaultRate, err = strconv.ParseFloat(string(data[len(prefix):eol]), 64); err != nil {
		return nil, errors.E(errors.Invalid, err, "indel rate table default rate")
	}
	tr := tsv.NewReader(bytes.NewReader(data[min(eol+1, len(data)):]))
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	counts := make(map[Key]Counts)
	for {
		var rw row
		if err := tr.Read(&rw); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "reading indel rate table")
		}
		k := Key{int(rw.UnitLen), int(rw.Count)}
		if _, dup := t.entries[k]; dup {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("duplicate indel rate bucket (%d, %d)", k.UnitLen, k.Count))
		}
		e := &Entry{Key: k, Counts: Counts{rw.Spanning, rw.Insertions, rw.Deletions}, Borrowed: rw.Borrowed == "yes"}
		for _, f := range []struct {
			s   string
			dst *float64
		}{{rw.InsRate, &e.InsRate}, {rw.DelRate, &e.DelRate}, {rw.Rate, &e.Rate}} {
			v, err := strconv.ParseFloat(f.s, 64)
			if err != nil {
				return nil, errors.E(errors.Invalid, err, fmt.Sprintf("indel rate for bucket (%d, %d)", k.UnitLen, k.Count))
			}
			*f.dst = v
		}
		t.entries[k] = e
		counts[k] = e.Counts
	}
	t.byUnit = sortedKeys(counts)
	return t, nil
}
