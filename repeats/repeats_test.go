package repeats

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cohortvar/encoding/fasta"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func resetMemo() {
	memoMu.Lock()
	memo = make(map[memoKey]*Catalog)
	memoMu.Unlock()
}

func TestIsPrimitive(t *testing.T) {
	expect.True(t, isPrimitive("A"))
	expect.True(t, isPrimitive("AC"))
	expect.True(t, isPrimitive("AAC"))
	expect.False(t, isPrimitive("AA"))
	expect.False(t, isPrimitive("ACAC"))
	expect.False(t, isPrimitive("AAAA"))
}

func TestScan(t *testing.T) {
	opts := DefaultOpts
	tests := []struct {
		seq  string
		want []Region
	}{
		{"GAAAAAAAAAAG", []Region{{"c", 1, 11, "A", 10}}},
		// Too short.
		{"GAAAAG", nil},
		{"GAAAAAG", []Region{{"c", 1, 6, "A", 5}}},
		// Dinucleotide, truncated to whole units.
		{"TACACACAG", []Region{{"c", 1, 7, "AC", 3}}},
		{"tacacacag", []Region{{"c", 1, 7, "AC", 3}}},
		// A homopolymer is not reported as a dinucleotide repeat.
		{"GAAAAAAAAT", []Region{{"c", 1, 9, "A", 8}}},
		// Trinucleotide at the sequence start and end boundaries.
		{"CAGCAGCAG", []Region{{"c", 0, 9, "CAG", 3}}},
		// N bases break repeats.
		{"AAANAAAAA", []Region{{"c", 4, 9, "A", 5}}},
		// Overlapping candidates: the longer span wins.
		{"CCCCCACACACACAC", []Region{{"c", 4, 14, "CA", 5}}},
		{"", nil},
	}
	for _, tt := range tests {
		got := Scan("c", tt.seq, opts)
		if len(tt.want) == 0 {
			expect.EQ(t, len(got), 0, tt.seq)
			continue
		}
		expect.EQ(t, got, tt.want, tt.seq)
	}
}

func TestScanDisjoint(t *testing.T) {
	seq := "ACGTTTTTTGCAGCAGCAGCAGATATATATATCCCCCCCCGGGGGGTTAAAAAA"
	got := Scan("c", seq, Opts{MaxUnitLength: 6, MinCount: 2, MinSpan: 4})
	require.NotEmpty(t, got)
	for i, r := range got {
		expect.EQ(t, r.Span(), r.Count*r.UnitLen())
		expect.EQ(t, strings.Repeat(r.Unit, r.Count), seq[r.Start:r.End])
		if i > 0 {
			expect.True(t, got[i-1].End <= r.Start, "%v overlaps %v", got[i-1], r)
		}
	}
}

func testReference(t *testing.T, data string) *reference.Reference {
	fa, err := fasta.New(strings.NewReader(data))
	assert.NoError(t, err)
	return reference.New(fa)
}

const testFasta = ">chr1\nGGAAAAAAAAAAGGCACACACACAGT\n>chr2\nACGT\n>chr3\nTTTTTTCAGCAGCAGCAGAT\n"

func TestBuildIdempotent(t *testing.T) {
	ref := testReference(t, testFasta)
	c1, err := Build(ref, DefaultOpts)
	assert.NoError(t, err)
	c2, err := Build(ref, DefaultOpts)
	assert.NoError(t, err)
	var b1, b2 bytes.Buffer
	assert.NoError(t, Write(&b1, c1))
	assert.NoError(t, Write(&b2, c2))
	expect.EQ(t, b1.String(), b2.String())
	expect.EQ(t, c1.Digest(), ref.Digest())

	expect.EQ(t, c1.Regions("chr1"), []Region{
		{"chr1", 2, 12, "A", 10},
		{"chr1", 14, 24, "CA", 5},
	})
	expect.EQ(t, len(c1.Regions("chr2")), 0)
	expect.EQ(t, c1.Regions("chr3"), []Region{
		{"chr3", 0, 6, "T", 6},
		{"chr3", 6, 18, "CAG", 4},
	})
	expect.EQ(t, c1.Len(), 4)

	// Round trip through the cache format.
	c3, err := Read(bytes.NewReader(b1.Bytes()))
	assert.NoError(t, err)
	var b3 bytes.Buffer
	assert.NoError(t, Write(&b3, c3))
	expect.EQ(t, b3.String(), b1.String())
	expect.EQ(t, c3.Regions("chr1"), c1.Regions("chr1"))
	expect.EQ(t, c3.Opts(), DefaultOpts)
}

func TestOverlapping(t *testing.T) {
	ref := testReference(t, testFasta)
	c, err := Build(ref, DefaultOpts)
	assert.NoError(t, err)

	units := func(rs []Region) []string {
		var u []string
		for _, r := range rs {
			u = append(u, r.Unit)
		}
		return u
	}
	expect.EQ(t, units(c.Overlapping("chr1", 0, 2)), []string(nil))
	expect.EQ(t, units(c.Overlapping("chr1", 0, 3)), []string{"A"})
	expect.EQ(t, units(c.Overlapping("chr1", 11, 12)), []string{"A"})
	expect.EQ(t, units(c.Overlapping("chr1", 12, 14)), []string(nil))
	expect.EQ(t, units(c.Overlapping("chr1", 5, 15)), []string{"A", "CA"})
	expect.EQ(t, units(c.Overlapping("chr1", 14, 15)), []string{"CA"})
	expect.EQ(t, units(c.Overlapping("chrX", 0, 100)), []string(nil))

	// Spanning needs a flanking base on each side.
	expect.EQ(t, units(c.Spanned("chr1", 1, 13)), []string{"A"})
	expect.EQ(t, units(c.Spanned("chr1", 2, 13)), []string(nil))
	expect.EQ(t, units(c.Spanned("chr1", 1, 12)), []string(nil))
	expect.EQ(t, units(c.Spanned("chr1", 0, 26)), []string{"A", "CA"})
}

func TestLoadOrBuild(t *testing.T) {
	resetMemo()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	refPath := filepath.Join(tmpdir, "ref.fa")
	assert.NoError(t, os.WriteFile(refPath, []byte(testFasta), 0644))
	assert.NoError(t, reference.Index(ctx, refPath))
	cachePath := filepath.Join(tmpdir, "ref.repeats")
	expect.EQ(t, CachePath(refPath), cachePath)

	// Absent cache: built and written.
	c, err := LoadOrBuild(ctx, refPath, nil, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, c.Len(), 4)
	written, err := os.ReadFile(cachePath)
	assert.NoError(t, err)

	// Present cache: returned byte-for-byte, even if hand-edited, as long as
	// the digest matches.
	resetMemo()
	edited := strings.Replace(string(written), "chr3\t1\t6\tT\t6\n", "", 1)
	assert.NoError(t, os.WriteFile(cachePath, []byte(edited), 0644))
	c, err = LoadOrBuild(ctx, refPath, nil, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, c.Len(), 3)
	var buf bytes.Buffer
	assert.NoError(t, Write(&buf, c))
	expect.EQ(t, buf.String(), edited)
	onDisk, err := os.ReadFile(cachePath)
	assert.NoError(t, err)
	expect.EQ(t, string(onDisk), edited)

	// Memoized in process.
	c2, err := LoadOrBuild(ctx, refPath, nil, DefaultOpts)
	assert.NoError(t, err)
	expect.True(t, c == c2)

	// A changed reference invalidates the cache.
	resetMemo()
	assert.NoError(t, os.WriteFile(refPath, []byte(">chr1\nGGGGGGGG\n"), 0644))
	assert.NoError(t, reference.Index(ctx, refPath))
	c, err = LoadOrBuild(ctx, refPath, nil, DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, c.Regions("chr1"), []Region{{"chr1", 0, 8, "G", 8}})
	onDisk, err = os.ReadFile(cachePath)
	assert.NoError(t, err)
	expect.True(t, strings.HasPrefix(string(onDisk), DefaultOpts.header(c.Digest())+"\n"))

	// So do changed options.
	resetMemo()
	c, err = LoadOrBuild(ctx, refPath, nil, Opts{MaxUnitLength: 2, MinCount: 2, MinSpan: 10})
	assert.NoError(t, err)
	expect.EQ(t, c.Len(), 0)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(strings.NewReader("chr1\t1\t5\tA\t5\n"))
	expect.Regexp(t, err, "not a repeat cache")
	_, err = Read(strings.NewReader("#repeats\tdigest=ab\nchr1\t1\t5\tA\t4\n"))
	expect.Regexp(t, err, "inconsistent")
	_, err = Read(strings.NewReader("#repeats\tdigest=ab\nchr1\t1\t5\tA\t5\nchr1\t3\t6\tC\t4\n"))
	expect.Regexp(t, err, "overlapping")
}
