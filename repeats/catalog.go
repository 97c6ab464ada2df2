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

package repeats

import (
	"runtime"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/traverse"
)

// key orders regions of one chromosome by start position.
type key struct {
	start int
	end   int
	idx   int
}

// Compare compares two key objects for use in llrb.
func (k key) Compare(c2 llrb.Comparable) int {
	return k.start - c2.(key).start
}

// regionTree holds non-overlapping intervals of one chromosome.
type regionTree struct {
	tree llrb.Tree
}

func newRegionTree() *regionTree {
	return &regionTree{}
}

func (t *regionTree) insert(start, end, idx int) {
	t.tree.Insert(key{start: start, end: end, idx: idx})
}

// overlaps reports whether [start, end) intersects any interval in t.  Since
// the intervals are disjoint, only the nearest interval on each side of start
// needs checking.
func (t *regionTree) overlaps(start, end int) bool {
	if c := t.tree.Floor(key{start: start}); c != nil && c.(key).end > start {
		return true
	}
	if c := t.tree.Ceil(key{start: start}); c != nil && c.(key).start < end {
		return true
	}
	return false
}

// each calls fn on every interval whose start lies in [from, to), in order.
func (t *regionTree) each(from, to int, fn func(k key)) {
	if to <= from {
		return
	}
	t.tree.DoRange(func(c llrb.Comparable) bool {
		fn(c.(key))
		return false
	}, key{start: from}, key{start: to})
}

// Catalog is an immutable set of repeat regions, keyed by the content digest
// of the reference they were found in.  It is safe for concurrent use.
type Catalog struct {
	digest string
	opts   Opts
	chroms []string
	byName map[string][]Region
	trees  map[string]*regionTree
}

func newCatalog(digest string, opts Opts) *Catalog {
	return &Catalog{
		digest: digest,
		opts:   opts,
		byName: make(map[string][]Region),
		trees:  make(map[string]*regionTree),
	}
}

// add registers the regions of chrom, which must be sorted by start and
// disjoint.
func (c *Catalog) add(chrom string, regions []Region) {
	if _, ok := c.byName[chrom]; !ok {
		c.chroms = append(c.chroms, chrom)
	}
	c.byName[chrom] = append(c.byName[chrom], regions...)
	t, ok := c.trees[chrom]
	if !ok {
		t = newRegionTree()
		c.trees[chrom] = t
	}
	base := len(c.byName[chrom]) - len(regions)
	for i, r := range regions {
		t.insert(r.Start, r.End, base+i)
	}
}

// Digest returns the digest of the reference the catalog was built from.
func (c *Catalog) Digest() string { return c.digest }

// Opts returns the options the catalog was built with.
func (c *Catalog) Opts() Opts { return c.opts }

// Chroms returns the chromosome names in reference order.
func (c *Catalog) Chroms() []string { return c.chroms }

// Regions returns the regions of chrom, sorted by start.
func (c *Catalog) Regions(chrom string) []Region { return c.byName[chrom] }

// Len returns the total number of regions.
func (c *Catalog) Len() int {
	n := 0
	for _, regions := range c.byName {
		n += len(regions)
	}
	return n
}

// Each calls fn on every region, in reference order.
func (c *Catalog) Each(fn func(r Region)) {
	for _, chrom := range c.chroms {
		for _, r := range c.byName[chrom] {
			fn(r)
		}
	}
}

// Overlapping returns the regions of chrom that intersect the 0-based
// half-open interval [start, end), sorted by start.
func (c *Catalog) Overlapping(chrom string, start, end int) []Region {
	t := c.trees[chrom]
	if t == nil || end <= start {
		return nil
	}
	regions := c.byName[chrom]
	var result []Region
	if f := t.tree.Floor(key{start: start}); f != nil && f.(key).end > start {
		result = append(result, regions[f.(key).idx])
	}
	t.each(start+1, end, func(k key) {
		result = append(result, regions[k.idx])
	})
	return result
}

// Spanned returns the regions of chrom lying strictly inside [start, end),
// with at least one base of [start, end) on each side.  These are the
// regions an alignment covering [start, end) fully spans.
func (c *Catalog) Spanned(chrom string, start, end int) []Region {
	t := c.trees[chrom]
	if t == nil {
		return nil
	}
	regions := c.byName[chrom]
	var result []Region
	t.each(start+1, end, func(k key) {
		if k.end <= end-1 {
			result = append(result, regions[k.idx])
		}
	})
	return result
}

// eachChrom runs fn for every index in [0, n) using all available CPUs.
func eachChrom(n int, fn func(i int) error) error {
	return traverse.Limit(runtime.NumCPU()).Each(n, fn)
}
