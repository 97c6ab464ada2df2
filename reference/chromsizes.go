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

package reference

import (
	"context"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/encoding/fasta"
)

// ChromSizes lists chromosome lengths in canonical order.
type ChromSizes struct {
	Names   []string
	Lengths map[string]int
}

// NewChromSizes builds a table from parallel name and length slices.
func NewChromSizes(names []string, lengths []int) *ChromSizes {
	c := &ChromSizes{Lengths: make(map[string]int, len(names))}
	for i, name := range names {
		c.add(name, lengths[i])
	}
	return c
}

func (c *ChromSizes) add(name string, n int) {
	c.Names = append(c.Names, name)
	c.Lengths[name] = n
}

// Len returns the length of chrom, and whether it is known.
func (c *ChromSizes) Len(chrom string) (int, bool) {
	n, ok := c.Lengths[chrom]
	return n, ok
}

// Total returns the summed length of all chromosomes.
func (c *ChromSizes) Total() int64 {
	var total int64
	for _, n := range c.Lengths {
		total += int64(n)
	}
	return total
}

// Order returns the rank of each chromosome.
func (c *ChromSizes) Order() map[string]int {
	order := make(map[string]int, len(c.Names))
	for i, name := range c.Names {
		order[name] = i
	}
	return order
}

// Less orders chromosomes canonically.  Chromosomes missing from the table
// sort after all known ones, by name.
func (c *ChromSizes) Less(order map[string]int, a, b string) bool {
	ia, oka := order[a]
	ib, okb := order[b]
	switch {
	case oka && okb:
		return ia < ib
	case oka != okb:
		return oka
	}
	return a < b
}

// SortNames sorts names canonically.
func (c *ChromSizes) SortNames(names []string) {
	order := c.Order()
	sort.SliceStable(names, func(i, j int) bool { return c.Less(order, names[i], names[j]) })
}

type chromSizeRow struct {
	Chrom string
	Size  int64
}

// ReadChromSizes reads a two-column "chrom<TAB>size" table.  Lines starting
// with '#' are ignored.
func ReadChromSizes(ctx context.Context, path string) (sizes *ChromSizes, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "chromosome sizes", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.Comment = '#'
	sizes = &ChromSizes{Lengths: make(map[string]int)}
	for {
		var row chromSizeRow
		if err = r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "chromosome sizes", path)
		}
		if _, ok := sizes.Lengths[row.Chrom]; ok {
			return nil, errors.E(errors.Invalid, "duplicate chromosome", row.Chrom, "in", path)
		}
		if row.Size < 0 {
			return nil, errors.E(errors.Invalid, "negative size for", row.Chrom, "in", path)
		}
		sizes.add(row.Chrom, int(row.Size))
	}
	if len(sizes.Names) == 0 {
		return nil, errors.E(errors.Invalid, "no chromosomes in", path)
	}
	return sizes, nil
}

// ChromSizesFromIndex reads chromosome sizes from a .fai index.
func ChromSizesFromIndex(ctx context.Context, faiPath string) (sizes *ChromSizes, err error) {
	in, err := file.Open(ctx, faiPath)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "reference index", faiPath)
	}
	defer file.CloseAndReport(ctx, in, &err)
	entries, err := fasta.ReadIndex(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, faiPath)
	}
	sizes = &ChromSizes{Lengths: make(map[string]int, len(entries))}
	for _, e := range entries {
		sizes.add(e.Name, int(e.Length))
	}
	return sizes, nil
}

// WriteChromSizes writes sizes in the format read by ReadChromSizes.
func WriteChromSizes(w io.Writer, sizes *ChromSizes) error {
	tw := tsv.NewWriter(w)
	for _, name := range sizes.Names {
		tw.WriteString(name)
		tw.WriteInt64(int64(sizes.Lengths[name]))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
