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

package aggregate

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cohortvar/candidate"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func classified(t *testing.T) *Result {
	res, err := Classify(testInput(t), DefaultOpts)
	assert.NoError(t, err)
	return res
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, WriteTable(&buf, classified(t)))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	// A header, then one row per (site, allele).
	require.Len(t, lines, 11)
	expect.EQ(t, lines[0], strings.Join([]string{
		"chrom", "pos", "ref", "alt", "allele", "repeat_unit", "repeat_count", "excluded",
		"ctrl_genotype", "ctrl_status", "ctrl_depth", "ctrl_alt_reads", "ctrl_af", "ctrl_confidence", "ctrl_flags",
		"s1_genotype", "s1_status", "s1_depth", "s1_alt_reads", "s1_af", "s1_confidence", "s1_flags",
	}, "\t"))
	expect.EQ(t, lines[1], strings.Join([]string{
		"chr1", "2", "GA", "G", "1", "A", "10", "no",
		"reference", "control", "100", "0", "0", "1", ".",
		"heterozygous", "artifact", "100", "15", "0.15", cellString(classified(t).Variants[0].Alleles[0].Calls[1].Confidence), "R",
	}, "\t"))
	expect.True(t, strings.HasPrefix(lines[2], "chr2\t1\tA\tC\t1\t"))
	expect.True(t, strings.HasPrefix(lines[3], "chr2\t1\tA\tG\t2\t"))
}

// splitVCF separates the header lines from the records, split into columns
// with QUAL removed.
func splitVCF(t *testing.T, vcf string) (header []string, records [][]string) {
	for _, line := range strings.Split(strings.TrimSuffix(vcf, "\n"), "\n") {
		if strings.HasPrefix(line, "#") {
			header = append(header, line)
			continue
		}
		cols := strings.Split(line, "\t")
		require.True(t, len(cols) > 8, line)
		records = append(records, append(cols[:5:5], cols[6:]...))
	}
	return header, records
}

func TestWriteVCF(t *testing.T) {
	res := classified(t)
	var buf bytes.Buffer
	assert.NoError(t, WriteVCF(&buf, res, testInput(t).Sizes))
	header, records := splitVCF(t, buf.String())
	expect.EQ(t, header[0], "##fileformat=VCFv4.2")
	expect.EQ(t, header[len(header)-1], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tctrl\ts1")
	expect.True(t, lo.Contains(header, `##FORMAT=<ID=AD,Number=R,Type=Integer,Description="Allelic depths">`))
	expect.True(t, lo.ContainsBy(header, func(h string) bool { return strings.Contains(h, "control=ctrl") }))
	assert.EQ(t, len(records), 9)
	expect.EQ(t, records[0][:7], []string{"chr1", "2", ".", "GA", "G", "Artifact", "RU=A;RC=10"})
	expect.EQ(t, records[1], []string{"chr2", "1", ".", "A", "C,G", "PASS", ".", "GT:AD:DP:ST:CF:FL",
		"0/0:30,0,0:30:control,control:1,1:.,.",
		"1/2:10,10,10:30:variant,variant:1,1:.,."})
	expect.EQ(t, records[2], []string{"chr2", "3", ".", "G", "C", "PASS", ".", "GT:AD:DP:ST:CF:FL",
		"0/0:30,0:30:control:1:.", "0/1:15,15:30:variant:1:."})
	// An uncovered sample has no allele depths.
	expect.EQ(t, records[3][:9], []string{"chr2", "4", ".", "T", "C", "NoVariant", ".", "GT:AD:DP:ST:CF:FL", "./.:.:0:no-call:0:."})
	expect.EQ(t, records[5][5:7], []string{"Excluded", "EXCLUDED"})
	expect.EQ(t, records[6][5], "LowConfidence")
	// Matching a homozygous control is reported with low confidence of a difference.
	expect.EQ(t, records[8][9], "1/1:0,30:30:reference:0.02957:.")
}

func TestWriteVCFReadBack(t *testing.T) {
	res := classified(t)
	var buf bytes.Buffer
	assert.NoError(t, WriteVCF(&buf, res, testInput(t).Sizes))
	f, err := candidate.Read(&buf)
	assert.NoError(t, err)
	expect.EQ(t, f.Samples, []string{"ctrl", "s1"})
	assert.EQ(t, len(f.Variants), len(res.Variants))
	for i, v := range f.Variants {
		expect.EQ(t, v.Pos, res.Variants[i].Pos)
		expect.EQ(t, v.Alts, res.Variants[i].Alts)
	}
	expect.EQ(t, f.Variants[2].Samples[1].AlleleDepths, []int{15, 15})
	expect.True(t, f.Variants[3].Samples[0].AlleleDepths == nil)
}

func TestWrite(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	res := classified(t)
	sizes := testInput(t).Sizes
	prefix := filepath.Join(tmpdir, "cohort")
	assert.NoError(t, Write(ctx, prefix, res, WriteOpts{Sizes: sizes, BGZF: true, XLSX: true}))

	var want bytes.Buffer
	assert.NoError(t, WriteVCF(&want, res, sizes))
	f, err := os.Open(prefix + VCFSuffix + ".gz")
	assert.NoError(t, err)
	defer f.Close() // nolint: errcheck
	gz, err := gzip.NewReader(f)
	assert.NoError(t, err)
	got, err := io.ReadAll(gz)
	assert.NoError(t, err)
	gotHeader, gotRecords := splitVCF(t, string(got))
	wantHeader, wantRecords := splitVCF(t, want.String())
	expect.EQ(t, gotRecords, wantRecords)
	expect.EQ(t, len(gotHeader), len(wantHeader))

	_, err = os.Stat(prefix + TableSuffix)
	expect.NoError(t, err)

	x, err := excelize.OpenFile(prefix + XLSXSuffix)
	assert.NoError(t, err)
	defer x.Close() // nolint: errcheck
	rows, err := x.GetRows("variants")
	assert.NoError(t, err)
	require.Len(t, rows, 11)
	expect.EQ(t, rows[0][0], "chrom")
	expect.EQ(t, rows[1][0], "chr1")
	expect.EQ(t, rows[1][1], "2")
	expect.EQ(t, rows[1][7], "no")
}
