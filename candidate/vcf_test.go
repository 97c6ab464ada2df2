package candidate_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cohortvar/candidate"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

const testVCF = `##fileformat=VCFv4.2
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
##FORMAT=<ID=AD,Number=R,Type=Integer,Description="Allelic depths">
##FORMAT=<ID=SAC,Number=.,Type=Integer,Description="Allelic depths by strand">
##FORMAT=<ID=SB,Number=4,Type=Integer,Description="Strand bias counts">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	ctrl	s1
chr1	10	.	A	G	50	PASS	.	GT:AD:SB	0/0:30,0:15,15,0,0	0/1:15,15:8,7,7,8
chr1	20	rs1	acg	A,<DEL>,ACGT	50	PASS	.	GT:AD:SAC	0/1:10,5,1,0:5,5,3,2,1,0,0,0	./.:.:.
chr1	30	.	C	<DUP>	50	PASS	.	GT:AD	0/1:10,3	0/0:10,0
chr2	5	.	T	C	50	PASS	.	GT	0/1	0/1
`

func TestRead(t *testing.T) {
	f, err := candidate.Read(strings.NewReader(testVCF))
	assert.NoError(t, err)
	expect.EQ(t, f.Samples, []string{"ctrl", "s1"})
	expect.EQ(t, f.SampleIndex("s1"), 1)
	expect.EQ(t, f.SampleIndex("s2"), -1)
	// The <DUP>-only record is dropped.
	assert.EQ(t, len(f.Variants), 3)

	v := f.Variants[0]
	expect.EQ(t, v.Chrom, "chr1")
	expect.EQ(t, v.Pos, 9)
	expect.EQ(t, v.Alts, []string{"G"})
	expect.False(t, v.IsIndel(1))
	expect.EQ(t, v.Samples[0].AlleleDepths, []int{30, 0})
	expect.EQ(t, v.Samples[1].Depth(), 30)
	expect.EQ(t, v.Samples[1].Fwd, []int{8, 7})
	expect.EQ(t, v.Samples[1].Rev, []int{7, 8})

	v = f.Variants[1]
	expect.EQ(t, v.ID, "rs1")
	expect.EQ(t, v.Ref, "ACG")
	expect.EQ(t, v.End(), 22)
	// <DEL> is dropped along with its depths.
	expect.EQ(t, v.Alts, []string{"A", "ACGT"})
	expect.True(t, v.IsIndel(1))
	expect.True(t, v.IsIndel(2))
	expect.EQ(t, v.Samples[0].AlleleDepths, []int{10, 5, 0})
	expect.EQ(t, v.Samples[0].Fwd, []int{5, 3, 0})
	expect.EQ(t, v.Samples[0].Rev, []int{5, 2, 0})
	expect.EQ(t, v.Samples[0].AltDepth(1), 5)
	expect.True(t, v.Samples[1].AlleleDepths == nil)
	expect.False(t, v.Samples[1].HasStrand())
	expect.EQ(t, v.Samples[1].Depth(), 0)

	v = f.Variants[2]
	expect.EQ(t, v.Chrom, "chr2")
	expect.True(t, v.Samples[0].AlleleDepths == nil)
}

func TestReadErrors(t *testing.T) {
	header := "##fileformat=VCFv4.2\n" +
		"##FORMAT=<ID=AD,Number=R,Type=Integer,Description=\"Allelic depths\">\n" +
		"##FORMAT=<ID=SAC,Number=.,Type=Integer,Description=\"Allelic depths by strand\">\n" +
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ts\n"
	for _, tt := range []struct {
		vcf, err string
	}{
		{header + "chr1\t0\t.\tA\tG\t.\t.\t.\tAD\t1,1\n", "invalid position"},
		{header + "chr1\t1\t.\tA\tG\t.\t.\t.\tAD\t1,1,1\n", "AD has 3 values"},
		{header + "chr1\t1\t.\tA\tG\t.\t.\t.\tAD\t1,x\n", "AD"},
		{header + "chr1\t1\t.\tA\tG\t.\t.\t.\tAD:SAC\t1,1:1,0,1\n", "SAC has 3 values"},
	} {
		_, err := candidate.Read(strings.NewReader(tt.vcf))
		assert.NotNil(t, err, tt.vcf)
		assert.HasSubstr(t, err.Error(), tt.err)
		expect.True(t, errors.Is(errors.Invalid, err))
	}
}

func TestReadNoSamples(t *testing.T) {
	for _, vcf := range []string{
		"##fileformat=VCFv4.2\n",
		"##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n",
	} {
		_, err := candidate.Read(strings.NewReader(vcf))
		expect.NotNil(t, err, vcf)
	}
}

func TestReadFileGzip(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, "tmpdir:", tmpdir)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(testVCF))
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	path := filepath.Join(tmpdir, "cand.vcf.gz")
	assert.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	f, err := candidate.ReadFile(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, len(f.Variants), 3)

	_, err = candidate.ReadFile(ctx, filepath.Join(tmpdir, "missing.vcf"))
	expect.NotNil(t, err)
}
