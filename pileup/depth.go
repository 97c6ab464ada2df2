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

package pileup

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/encoding/bamprovider"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/hts/sam"
)

// ChromDepths holds the per-position forward and reverse read depth of one
// chromosome.  Positions are 0-based.
type ChromDepths struct {
	Name string
	Fwd  []uint32
	Rev  []uint32
}

func newChromDepths(name string, length int) *ChromDepths {
	return &ChromDepths{
		Name: name,
		Fwd:  make([]uint32, length),
		Rev:  make([]uint32, length),
	}
}

// Len returns the chromosome length.
func (c *ChromDepths) Len() int { return len(c.Fwd) }

// Depth returns the total depth at pos.
func (c *ChromDepths) Depth(pos int) uint32 { return c.Fwd[pos] + c.Rev[pos] }

// Totals returns the total depth at every position.
func (c *ChromDepths) Totals() []uint32 {
	totals := make([]uint32, len(c.Fwd))
	for i := range totals {
		totals[i] = c.Fwd[i] + c.Rev[i]
	}
	return totals
}

// addRecord adds the aligned bases of rec.  Only M, = and X operations
// cover reference positions; deletions and skips do not.
func (c *ChromDepths) addRecord(rec *sam.Record) {
	depth := c.Fwd
	if GetStrand(rec) == StrandRev {
		depth = c.Rev
	}
	pos := rec.Pos
	for _, op := range rec.Cigar {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			end := pos + n
			if end > len(depth) {
				end = len(depth)
			}
			for i := pos; i < end; i++ {
				depth[i]++
			}
			pos += n
		case sam.CigarDeletion, sam.CigarSkipped:
			pos += n
		}
		if pos >= len(depth) {
			return
		}
	}
}

// Scan reads every record from iter and calls fn once per chromosome of
// sizes, with that chromosome's depths.  Only one chromosome is held in
// memory at a time.  Chromosomes are visited in alignment order; those with
// no alignments are visited at the end, in sizes order, with all-zero
// depths.  Records on chromosomes missing from sizes are skipped.
//
// The alignments must be grouped by chromosome, as in any coordinate-sorted
// BAM file.
func Scan(iter bamprovider.Iterator, sizes *reference.ChromSizes, filter Filter, fn func(*ChromDepths) error) error {
	var (
		cur     *ChromDepths
		done    = make(map[string]bool, len(sizes.Names))
		skipped = make(map[string]int)
	)
	for iter.Scan() {
		rec := iter.Record()
		if !filter.Accept(rec) {
			continue
		}
		name := rec.Ref.Name()
		if cur == nil || cur.Name != name {
			length, ok := sizes.Len(name)
			if !ok {
				skipped[name]++
				continue
			}
			if cur != nil {
				if err := fn(cur); err != nil {
					return err
				}
			}
			if done[name] {
				return errors.E(errors.Invalid, "alignments are not sorted: chromosome", name, "appears in more than one block")
			}
			done[name] = true
			cur = newChromDepths(name, length)
		}
		cur.addRecord(rec)
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if cur != nil {
		if err := fn(cur); err != nil {
			return err
		}
	}
	for name, n := range skipped {
		log.Debug.Printf("pileup: skipped %d records on %s, which is not in the reference", n, name)
	}
	for _, name := range sizes.Names {
		if !done[name] {
			if err := fn(newChromDepths(name, sizes.Lengths[name])); err != nil {
				return err
			}
		}
	}
	return nil
}
