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
	"math"
	"strings"
	"testing"

	"github.com/grailbio/cohortvar/candidate"
	"github.com/grailbio/cohortvar/distribution"
	"github.com/grailbio/cohortvar/encoding/fasta"
	"github.com/grailbio/cohortvar/indelrate"
	"github.com/grailbio/cohortvar/interval"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/grailbio/cohortvar/sample"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// chr1 holds A{10} at [2,12) and CA{5} at [14,24); chr2 has no repeats.
const testFasta = ">chr1\nGGAAAAAAAAAAGGCACACACACAGT\n>chr2\nACGTTGCAAC\n"

const testVCF = `##fileformat=VCFv4.2
##FORMAT=<ID=AD,Number=R,Type=Integer,Description="Allelic depths">
##FORMAT=<ID=SAC,Number=.,Type=Integer,Description="Allelic depths by strand">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	ctrl	s1
chr2	3	.	G	C	.	.	.	AD:SAC	30,0:.	15,15:.
chr2	10	.	C	A	.	.	.	AD:SAC	0,30:.	0,30:.
chr1	2	.	GA	G	.	.	.	AD:SAC	100,0:.	85,15:.
chr2	4	.	T	C	.	.	.	AD:SAC	.:.	10,10:.
chr2	6	.	G	T	.	.	.	AD:SAC	100,0:.	50,50:25,25,50,0
chr2	7	.	C	G	.	.	.	AD:SAC	30,0:.	15,15:.
chr2	8	.	A	C	.	.	.	AD:SAC	60,0:.	48,12:24,24,12,0
chr2	9	.	A	G	.	.	.	AD:SAC	40,0:.	20,20:10,10,20,0
chr2	1	.	A	C,G	.	.	.	AD:SAC	30,0,0:.	10,10,10:.
`

func testModels(t *testing.T) []*sample.Model {
	var spill bytes.Buffer
	sw := pileup.NewSpillWriter(&spill)
	assert.NoError(t, sw.Write("chr2", []uint32{30, 30, 30, 30, 30, 100, 30, 30, 30, 30}))
	assert.NoError(t, sw.Close())
	depth := distribution.DepthModel{Mean: 30, Stdev: 1, N: 10}
	mask, err := distribution.DepthMask(depth, 3, pileup.NewSpillReader(&spill))
	assert.NoError(t, err)
	assert.False(t, mask.Plausible("chr2", 5))

	rates := indelrate.NewTable(map[indelrate.Key]indelrate.Counts{
		{UnitLen: 1, Count: 10}: {Spanning: 100, Deletions: 14},
	}, indelrate.DefaultOpts)
	return []*sample.Model{
		{
			Sample: sample.Sample{Name: "ctrl", Role: sample.Control},
			Depth:  distribution.DepthModel{Mean: 30, N: 1, Degenerate: true},
			Bias:   distribution.BiasModel{Degenerate: true},
			Mask:   distribution.PermissiveMask(),
			Rates:  rates,
		},
		{
			Sample: sample.Sample{Name: "s1", Role: sample.Case},
			Depth:  depth,
			Bias:   distribution.BiasModel{Mu: math.Log(0.5), Sigma: 0.1, N: 100},
			Mask:   mask,
			Rates:  rates,
		},
	}
}

func testInput(t *testing.T) Input {
	vcf, err := candidate.Read(strings.NewReader(testVCF))
	assert.NoError(t, err)
	fa, err := fasta.New(strings.NewReader(testFasta))
	assert.NoError(t, err)
	ref := reference.New(fa)
	catalog, err := repeats.Build(ref, repeats.DefaultOpts)
	assert.NoError(t, err)
	excluded, err := interval.NewRegionSetFromEntries([]interval.Entry{{ChrName: "chr2", Start0: 6, End: 7}})
	assert.NoError(t, err)
	return Input{
		Candidates: vcf,
		Models:     testModels(t),
		Control:    "ctrl",
		Catalog:    catalog,
		Excluded:   excluded,
		Sizes:      ref.Sizes(),
	}
}

func TestGenotype(t *testing.T) {
	opts := DefaultOpts
	expect.EQ(t, genotype(5, 9, opts), NoCall)
	expect.EQ(t, genotype(0, 0, opts), NoCall)
	expect.EQ(t, genotype(0, 30, opts), Ref)
	expect.EQ(t, genotype(1, 10, opts), Ref)
	expect.EQ(t, genotype(2, 30, opts), Ref)
	expect.EQ(t, genotype(3, 30, opts), Het)
	expect.EQ(t, genotype(26, 30, opts), Het)
	expect.EQ(t, genotype(27, 30, opts), HomAlt)
	expect.EQ(t, Het.Alleles(2), "0/2")
	expect.EQ(t, HomAlt.String(), "1/1")
	expect.EQ(t, NoCall.String(), "./.")
}

func TestBinomial(t *testing.T) {
	const eps = 1e-12
	expect.EQ(t, binomialAtLeast(0, 10, 0.3), 1.0)
	expect.EQ(t, binomialAtLeast(11, 10, 0.3), 0.0)
	expect.True(t, math.Abs(binomialAtLeast(10, 10, 0.5)-math.Pow(0.5, 10)) < eps)
	expect.True(t, math.Abs(binomialAtMost(0, 10, 0.5)-math.Pow(0.5, 10)) < eps)
	expect.EQ(t, binomialAtMost(10, 10, 0.5), 1.0)
	// One alt read in a hundred against a 1% control is unremarkable.
	expect.True(t, differenceP(1, 100, 0.01, DefaultOpts) > 0.5)
	// Half the reads against a reference control is not.
	expect.True(t, differenceP(50, 100, 0, DefaultOpts) < 1e-10)
	// Losing the alternate allele of a homozygous control.
	expect.True(t, differenceP(50, 100, 1, DefaultOpts) < 1e-10)
}

func TestDecide(t *testing.T) {
	opts := DefaultOpts
	control := Call{Genotype: Ref, AF: 0}
	call := func(alt, depth int, depthOK, biasOK, repeatOK bool) Call {
		return Call{
			AltDepth: alt, Depth: depth, AF: float64(alt) / float64(depth),
			Genotype:       genotype(alt, depth, opts),
			DepthPlausible: depthOK, BiasPlausible: biasOK, RepeatPlausible: repeatOK,
		}
	}
	for _, tt := range []struct {
		c        Call
		excluded bool
		want     Status
	}{
		{call(15, 30, true, true, true), false, StatusVariant},
		{call(15, 30, true, true, true), true, StatusExcluded},
		{call(0, 30, false, false, true), false, StatusReference},
		{call(15, 30, true, true, false), false, StatusArtifact},
		{call(15, 30, false, true, true), false, StatusVariant},
		{call(6, 30, false, true, true), false, StatusLowConfidence},
		{call(6, 30, false, true, true), true, StatusExcluded},
		{call(15, 30, false, false, true), false, StatusArtifact},
		{call(15, 30, false, false, true), true, StatusArtifact},
		{call(3, 5, true, true, true), false, StatusNoCall},
	} {
		c := tt.c
		decide(&c, false, &control, tt.excluded, opts)
		expect.EQ(t, c.Status, tt.want, "%+v", tt.c)
	}

	c := call(15, 30, false, true, true)
	decide(&c, false, &control, false, opts)
	expect.True(t, math.Abs(c.Confidence-0.5) < 1e-6, "confidence %v", c.Confidence)

	noControl := Call{Genotype: NoCall}
	c = call(15, 30, true, true, true)
	decide(&c, false, &noControl, false, opts)
	expect.EQ(t, c.Status, StatusNoControl)
	expect.EQ(t, c.Genotype, Het)

	c = call(0, 30, true, true, true)
	decide(&c, true, &c, false, opts)
	expect.EQ(t, c.Status, StatusControl)
}

func findSite(t *testing.T, res *Result, chrom string, pos int) *ClassifiedVariant {
	for _, v := range res.Variants {
		if v.Chrom == chrom && v.Pos == pos {
			return v
		}
	}
	t.Fatalf("site %s:%d not found", chrom, pos)
	return nil
}

func TestClassify(t *testing.T) {
	res, err := Classify(testInput(t), DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, res.Samples, []string{"ctrl", "s1"})

	// Canonical order: chr1 before chr2, then by position.
	var got []string
	for _, v := range res.Variants {
		got = append(got, v.Chrom+":"+cellString(v.Pos+1))
	}
	expect.EQ(t, got, []string{"chr1:2", "chr2:1", "chr2:3", "chr2:4", "chr2:6", "chr2:7", "chr2:8", "chr2:9", "chr2:10"})

	status := func(chrom string, pos int) Status { return findSite(t, res, chrom, pos-1).Alleles[0].Calls[1].Status }

	// Heterozygous SNV against a reference control.
	v := findSite(t, res, "chr2", 2)
	ctrl, s1 := v.Alleles[0].Calls[0], v.Alleles[0].Calls[1]
	expect.EQ(t, ctrl.Genotype, Ref)
	expect.EQ(t, ctrl.Status, StatusControl)
	expect.EQ(t, s1.Genotype, Het)
	expect.EQ(t, s1.Status, StatusVariant)
	expect.True(t, s1.DepthPlausible && s1.BiasPlausible && s1.RepeatPlausible)
	expect.True(t, ctrl.DepthPlausible && ctrl.BiasPlausible)
	expect.True(t, s1.Confidence > 0.99)
	expect.EQ(t, s1.State, Classified)

	// A deletion in A{10} at the sample's background rate.
	v = findSite(t, res, "chr1", 1)
	require.NotNil(t, v.Repeat)
	expect.EQ(t, v.Repeat.Unit, "A")
	expect.EQ(t, v.Repeat.Count, 10)
	s1 = v.Alleles[0].Calls[1]
	expect.EQ(t, s1.Genotype, Het)
	expect.False(t, s1.RepeatPlausible)
	expect.EQ(t, s1.Status, StatusArtifact)

	// The control has no coverage.
	v = findSite(t, res, "chr2", 3)
	ctrl, s1 = v.Alleles[0].Calls[0], v.Alleles[0].Calls[1]
	expect.EQ(t, ctrl.Status, StatusNoCall)
	expect.EQ(t, ctrl.State, Raw)
	expect.EQ(t, s1.Status, StatusNoControl)
	expect.EQ(t, s1.Genotype, Het)

	expect.EQ(t, status("chr2", 6), StatusArtifact)
	expect.EQ(t, findSite(t, res, "chr2", 5).Alleles[0].Calls[1].Flags(), "DB")
	expect.True(t, findSite(t, res, "chr2", 6).Excluded)
	expect.EQ(t, status("chr2", 7), StatusExcluded)
	expect.EQ(t, status("chr2", 8), StatusLowConfidence)
	expect.EQ(t, status("chr2", 9), StatusVariant)
	expect.EQ(t, status("chr2", 10), StatusReference)

	// Multi-allelic sites are classified allele by allele.
	v = findSite(t, res, "chr2", 0)
	require.Len(t, v.Alleles, 2)
	expect.EQ(t, v.Alleles[0].Calls[1].Genotype, Het)
	expect.EQ(t, v.Alleles[1].Calls[1].Genotype, Het)
	expect.EQ(t, siteGenotype(v, 1), "1/2")
	expect.EQ(t, siteGenotype(v, 0), "0/0")
}

func TestClassifyDeterministic(t *testing.T) {
	in := testInput(t)
	res, err := Classify(in, DefaultOpts)
	assert.NoError(t, err)
	var want bytes.Buffer
	assert.NoError(t, WriteTable(&want, res))

	vs := in.Candidates.Variants
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
	res, err = Classify(in, DefaultOpts)
	assert.NoError(t, err)
	var got bytes.Buffer
	assert.NoError(t, WriteTable(&got, res))
	expect.EQ(t, got.String(), want.String())
}

func TestClassifyErrors(t *testing.T) {
	in := testInput(t)
	in.Control = "nobody"
	_, err := Classify(in, DefaultOpts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "control sample")

	in = testInput(t)
	in.Candidates = nil
	_, err = Classify(in, DefaultOpts)
	require.Error(t, err)
}

func TestSiteRepeat(t *testing.T) {
	catalog := testInput(t).Catalog
	// chr1:2 (1-based) is the G just before the A{10} run.
	for _, tt := range []struct {
		ref  string
		alts []string
		want bool
	}{
		{"G", []string{"T"}, false},
		{"G", []string{"GA"}, true},
		{"G", []string{"T", "GA"}, true},
		{"GA", []string{"G"}, true},
	} {
		v := &candidate.Variant{Chrom: "chr1", Pos: 1, Ref: tt.ref, Alts: tt.alts}
		r := siteRepeat(catalog, v)
		expect.EQ(t, r != nil, tt.want, "%s>%v", tt.ref, tt.alts)
		if r != nil {
			expect.EQ(t, r.Unit, "A")
		}
	}
	// An SNV inside the run still reports it.
	r := siteRepeat(catalog, &candidate.Variant{Chrom: "chr1", Pos: 5, Ref: "A", Alts: []string{"C"}})
	require.NotNil(t, r)
	expect.EQ(t, r.Count, 10)
}

func TestMissingSampleColumn(t *testing.T) {
	in := testInput(t)
	in.Models = append(in.Models, &sample.Model{
		Sample: sample.Sample{Name: "s2", Role: sample.Case},
		Mask:   distribution.PermissiveMask(),
		Rates:  indelrate.NewTable(nil, indelrate.DefaultOpts),
	})
	res, err := Classify(in, DefaultOpts)
	assert.NoError(t, err)
	for _, v := range res.Variants {
		expect.EQ(t, v.Alleles[0].Calls[2].Status, StatusNoCall)
	}
}
