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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/reference"
)

// The cache file starts with a header line
//
//   #repeats<TAB>digest=<hex><TAB>max_unit_length=4<TAB>min_count=2<TAB>min_span=5
//
// followed by one row per region: chrom, start, end, unit, count, with 1-based
// inclusive coordinates.

// CachePath returns the repeat cache path for the reference at refPath.
func CachePath(refPath string) string {
	return reference.StripExt(refPath) + ".repeats"
}

func (o Opts) header(digest string) string {
	return fmt.Sprintf("#repeats\tdigest=%s\tmax_unit_length=%d\tmin_count=%d\tmin_span=%d",
		digest, o.MaxUnitLength, o.MinCount, o.MinSpan)
}

// Write writes c in the cache file format.
func Write(w io.Writer, c *Catalog) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(c.opts.header(c.digest) + "\n"); err != nil {
		return err
	}
	tw := tsv.NewWriter(bw)
	var err error
	c.Each(func(r Region) {
		if err != nil {
			return
		}
		tw.WriteString(r.Chrom)
		tw.WriteInt64(int64(r.Start + 1))
		tw.WriteInt64(int64(r.End))
		tw.WriteString(r.Unit)
		tw.WriteInt64(int64(r.Count))
		err = tw.EndLine()
	})
	if err != nil {
		return err
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return bw.Flush()
}

type regionRow struct {
	Chrom string
	Start int64
	End   int64
	Unit  string
	Count int64
}

// readHeader parses the first line of a cache file.
func readHeader(line string) (digest string, opts Opts, err error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) == 0 || fields[0] != "#repeats" {
		return "", opts, errors.E(errors.Invalid, "not a repeat cache file")
	}
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			return "", opts, errors.E(errors.Invalid, "malformed repeat cache header field", f)
		}
		switch kv[0] {
		case "digest":
			digest = kv[1]
		case "max_unit_length":
			_, err = fmt.Sscan(kv[1], &opts.MaxUnitLength)
		case "min_count":
			_, err = fmt.Sscan(kv[1], &opts.MinCount)
		case "min_span":
			_, err = fmt.Sscan(kv[1], &opts.MinSpan)
		}
		if err != nil {
			return "", opts, errors.E(errors.Invalid, err, "repeat cache header field", f)
		}
	}
	if digest == "" {
		return "", opts, errors.E(errors.Invalid, "repeat cache header has no digest")
	}
	return digest, opts, nil
}

// Read parses a cache file written by Write.
func Read(r io.Reader) (*Catalog, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, errors.E(errors.Invalid, err, "reading repeat cache header")
	}
	digest, opts, err := readHeader(line)
	if err != nil {
		return nil, err
	}
	c := newCatalog(digest, opts)
	tr := tsv.NewReader(br)
	tr.Comment = '#'
	var (
		chrom   string
		regions []Region
	)
	flush := func() error {
		if chrom == "" {
			return nil
		}
		if _, dup := c.byName[chrom]; dup {
			return errors.E(errors.Invalid, "repeat cache is not grouped by chromosome:", chrom)
		}
		c.add(chrom, regions)
		regions = nil
		return nil
	}
	for {
		var row regionRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "reading repeat cache")
		}
		if row.Chrom != chrom {
			if err := flush(); err != nil {
				return nil, err
			}
			chrom = row.Chrom
		}
		r := Region{
			Chrom: row.Chrom,
			Start: int(row.Start - 1),
			End:   int(row.End),
			Unit:  row.Unit,
			Count: int(row.Count),
		}
		if r.Start < 0 || r.Span() != r.Count*r.UnitLen() || r.Count < 1 {
			return nil, errors.E(errors.Invalid, "inconsistent repeat cache row", fmt.Sprintf("%+v", row))
		}
		if n := len(regions); n > 0 && regions[n-1].End > r.Start {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("overlapping or unsorted repeat cache rows at %s:%d", row.Chrom, row.Start))
		}
		regions = append(regions, r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return c, nil
}

type memoKey struct {
	digest string
	opts   Opts
}

var (
	memoMu sync.Mutex
	memo   = make(map[memoKey]*Catalog)
)

// LoadOrBuild returns the repeat catalog of the reference at refPath.
//
// Catalogs are memoized per process by reference content digest.  On disk,
// the catalog is cached next to the reference (see CachePath).  A cache file
// is used only if its digest and options match; otherwise the catalog is
// rebuilt and the file rewritten.  A valid cache file is never rewritten.
//
// ref may be nil, in which case the reference is loaded only if a build is
// needed.
func LoadOrBuild(ctx context.Context, refPath string, ref *reference.Reference, opts Opts) (*Catalog, error) {
	var (
		digest string
		err    error
	)
	if ref != nil {
		digest = ref.Digest()
	} else if digest, err = reference.Digest(ctx, refPath); err != nil {
		return nil, err
	}
	k := memoKey{digest, opts}
	memoMu.Lock()
	defer memoMu.Unlock()
	if c, ok := memo[k]; ok {
		return c, nil
	}
	path := CachePath(refPath)
	c, err := readCache(ctx, path)
	switch {
	case err == nil && c.digest == digest && c.opts == opts:
		log.Printf("repeats: loaded %d regions from %s", c.Len(), path)
	case err == nil:
		log.Printf("repeats: %s is stale, rebuilding", path)
		c = nil
	case errors.Is(errors.NotExist, err):
		log.Printf("repeats: %s not found, building", path)
	default:
		log.Error.Printf("repeats: ignoring unreadable cache %s: %v", path, err)
	}
	if c == nil || c.digest != digest || c.opts != opts {
		if ref == nil {
			if ref, err = reference.Load(ctx, refPath); err != nil {
				return nil, err
			}
			if ref.Digest() != digest {
				return nil, errors.E(errors.Precondition, "reference", refPath, "changed while loading")
			}
		}
		if c, err = Build(ref, opts); err != nil {
			return nil, err
		}
		if err = writeCache(ctx, path, c); err != nil {
			return nil, err
		}
		log.Printf("repeats: wrote %d regions to %s", c.Len(), path)
	}
	memo[k] = c
	return c, nil
}

func readCache(ctx context.Context, path string) (c *Catalog, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return Read(in.Reader(ctx))
}

func writeCache(ctx context.Context, path string, c *Catalog) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "creating repeat cache", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return Write(out.Writer(ctx), c)
}
