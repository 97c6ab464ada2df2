package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
)

// PosType is RegionSet's coordinate type.
type PosType int32

// PosTypeMax is the largest representable position.
const PosTypeMax = math.MaxInt32

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).  It's exactly the same
// as sort.SearchInt(), except for PosType.
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// Entry represents a single interval, with 0-based coordinates.
type Entry struct {
	ChrName string
	Start0  PosType
	End     PosType
}

// RegionSet is a collection of length-2N endpoint sequences, one per
// chromosome, where N is the number of disjoint intervals.  The (0-based)
// start position of interval #k is in element [2k] and the end position is in
// element [2k+1], and the intervals are stored in increasing order.  A point
// query is then a binary search: pos is covered iff the number of endpoints
// <= pos is odd.
//
// A RegionSet is immutable after construction and safe for concurrent
// queries.
type RegionSet struct {
	nameMap map[string][]PosType
}

// getTokens identifies up to the first len(tokens) whitespace-separated
// tokens of line, returning the number of tokens saved.
func getTokens(tokens []string, line string) int {
	n := 0
	for n < len(tokens) {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			break
		}
		end := strings.IndexAny(line, " \t")
		if end == -1 {
			end = len(line)
		}
		tokens[n] = line[:end]
		line = line[end:]
		n++
	}
	return n
}

// NewRegionSet loads the intervals from a BED file.  Input need not be
// sorted.  Empty intervals are dropped; header lines ("track", "browser",
// '#') are skipped.
func NewRegionSet(reader io.Reader) (*RegionSet, error) {
	scanner := bufio.NewScanner(reader)
	var (
		entries []Entry
		tokens  [3]string
		lineIdx int
	)
	for scanner.Scan() {
		lineIdx++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "track") || strings.HasPrefix(line, "browser") {
			continue
		}
		nToken := getTokens(tokens[:], line)
		if nToken == 0 {
			continue
		}
		if nToken != 3 {
			return nil, fmt.Errorf("interval.NewRegionSet: line %d has fewer tokens than expected", lineIdx)
		}
		start, err := strconv.Atoi(tokens[1])
		if err != nil {
			return nil, fmt.Errorf("interval.NewRegionSet: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(tokens[2])
		if err != nil {
			return nil, fmt.Errorf("interval.NewRegionSet: line %d: %v", lineIdx, err)
		}
		if start < 0 {
			return nil, fmt.Errorf("interval.NewRegionSet: negative start coordinate %v on line %d", tokens[1], lineIdx)
		}
		if end < start || end >= PosTypeMax {
			return nil, fmt.Errorf("interval.NewRegionSet: invalid coordinate pair on line %d", lineIdx)
		}
		entries = append(entries, Entry{ChrName: tokens[0], Start0: PosType(start), End: PosType(end)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	u, err := NewRegionSetFromEntries(entries)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("BED loaded, %d base(s) covered.", u.TotalBases())
	return u, nil
}

// NewRegionSetFromPath is a wrapper for NewRegionSet that takes a path
// instead of an io.Reader.  Gzipped files are decompressed.
func NewRegionSetFromPath(ctx context.Context, path string) (u *RegionSet, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return nil, errors.E(errors.NotExist, err, "BED file", path)
	}
	defer file.CloseAndReport(ctx, infile, &err)
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	if u, err = NewRegionSet(reader); err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	return u, nil
}

// NewRegionSetFromEntries initializes a RegionSet from entries in any order,
// merging touching/overlapping intervals and eliminating empty ones.
func NewRegionSetFromEntries(entries []Entry) (*RegionSet, error) {
	byChr := make(map[string][]Entry)
	for _, e := range entries {
		if e.Start0 < 0 {
			return nil, fmt.Errorf("interval.NewRegionSetFromEntries: negative start coordinate")
		}
		if e.End < e.Start0 || e.End >= PosTypeMax {
			return nil, fmt.Errorf("interval.NewRegionSetFromEntries: invalid coordinate pair [%d, %d)", e.Start0, e.End)
		}
		if e.End == e.Start0 {
			continue
		}
		byChr[e.ChrName] = append(byChr[e.ChrName], e)
	}
	u := &RegionSet{nameMap: make(map[string][]PosType, len(byChr))}
	for chr, chrEntries := range byChr {
		sort.Slice(chrEntries, func(i, j int) bool { return chrEntries[i].Start0 < chrEntries[j].Start0 })
		var endpoints []PosType
		prevStart, prevEnd := chrEntries[0].Start0, chrEntries[0].End
		for _, e := range chrEntries[1:] {
			if e.Start0 > prevEnd {
				endpoints = append(endpoints, prevStart, prevEnd)
				prevStart, prevEnd = e.Start0, e.End
			} else if e.End > prevEnd {
				prevEnd = e.End
			}
		}
		u.nameMap[chr] = append(endpoints, prevStart, prevEnd)
	}
	return u, nil
}

// ContainsByName checks whether the (0-based) interval [pos, pos+1) is
// contained within the RegionSet.
func (u *RegionSet) ContainsByName(chrName string, pos PosType) bool {
	if u == nil {
		return false
	}
	return searchPosType(u.nameMap[chrName], pos+1)&1 == 1
}

// Intersects checks whether [start, end) on chrName shares any position with
// the set.
func (u *RegionSet) Intersects(chrName string, start, end PosType) bool {
	if u == nil || end <= start {
		return false
	}
	endpoints := u.nameMap[chrName]
	idx := searchPosType(endpoints, start+1)
	if idx&1 == 1 {
		return true
	}
	return idx != len(endpoints) && end > endpoints[idx]
}

// Intervals returns the disjoint intervals on chrName in increasing order.
func (u *RegionSet) Intervals(chrName string) []Entry {
	if u == nil {
		return nil
	}
	endpoints := u.nameMap[chrName]
	entries := make([]Entry, 0, len(endpoints)/2)
	for i := 0; i < len(endpoints); i += 2 {
		entries = append(entries, Entry{ChrName: chrName, Start0: endpoints[i], End: endpoints[i+1]})
	}
	return entries
}

// ChrNames returns the chromosomes with at least one interval, sorted by
// name.
func (u *RegionSet) ChrNames() []string {
	if u == nil {
		return nil
	}
	names := make([]string, 0, len(u.nameMap))
	for name := range u.nameMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalBases returns the number of positions covered.
func (u *RegionSet) TotalBases() int64 {
	if u == nil {
		return 0
	}
	var total int64
	for _, endpoints := range u.nameMap {
		for i := 0; i < len(endpoints); i += 2 {
			total += int64(endpoints[i+1] - endpoints[i])
		}
	}
	return total
}
