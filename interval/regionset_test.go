package interval

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestNewRegionSet(t *testing.T) {
	bed := `track name=excluded
# comment
chr1	100	200
chr2	5	10
chr1	150	250	extra
chr1	250	260
chr1	300	300
chr1	10	20
`
	u, err := NewRegionSet(strings.NewReader(bed))
	assert.NoError(t, err)
	expect.EQ(t, u.nameMap, map[string][]PosType{
		"chr1": {10, 20, 100, 260},
		"chr2": {5, 10},
	})
	expect.EQ(t, u.TotalBases(), int64(175))
	expect.EQ(t, u.ChrNames(), []string{"chr1", "chr2"})

	tests := []struct {
		chr  string
		pos  PosType
		want bool
	}{
		{"chr1", 9, false},
		{"chr1", 10, true},
		{"chr1", 19, true},
		{"chr1", 20, false},
		{"chr1", 259, true},
		{"chr1", 260, false},
		{"chr2", 5, true},
		{"chr3", 5, false},
	}
	for _, tt := range tests {
		expect.EQ(t, u.ContainsByName(tt.chr, tt.pos), tt.want, "%s:%d", tt.chr, tt.pos)
	}

	expect.True(t, u.Intersects("chr1", 0, 11))
	expect.False(t, u.Intersects("chr1", 0, 10))
	expect.True(t, u.Intersects("chr1", 15, 16))
	expect.False(t, u.Intersects("chr1", 20, 100))
	expect.True(t, u.Intersects("chr1", 20, 101))
	expect.False(t, u.Intersects("chr1", 260, 1000))
	expect.False(t, u.Intersects("chrX", 0, 1000))

	expect.EQ(t, u.Intervals("chr2"), []Entry{{ChrName: "chr2", Start0: 5, End: 10}})
	expect.EQ(t, len(u.Intervals("chrX")), 0)
}

func TestNilRegionSet(t *testing.T) {
	var u *RegionSet
	expect.False(t, u.ContainsByName("chr1", 0))
	expect.False(t, u.Intersects("chr1", 0, 10))
	expect.EQ(t, u.TotalBases(), int64(0))
}

func TestNewRegionSetErrors(t *testing.T) {
	_, err := NewRegionSet(strings.NewReader("chr1\t100\n"))
	expect.Regexp(t, err, "fewer tokens")
	_, err = NewRegionSet(strings.NewReader("chr1\t200\t100\n"))
	expect.Regexp(t, err, "invalid coordinate pair")
	_, err = NewRegionSet(strings.NewReader("chr1\tx\t100\n"))
	expect.NotNil(t, err)
}

func TestNewRegionSetFromPath(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	path := filepath.Join(tmpdir, "x.bed")
	assert.NoError(t, os.WriteFile(path, []byte("chr1\t0\t5\n"), 0644))
	u, err := NewRegionSetFromPath(vcontext.Background(), path)
	assert.NoError(t, err)
	expect.True(t, u.ContainsByName("chr1", 4))

	_, err = NewRegionSetFromPath(vcontext.Background(), filepath.Join(tmpdir, "missing.bed"))
	expect.NotNil(t, err)
}
