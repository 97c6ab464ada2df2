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

// Package aggregate classifies candidate variants sample by sample against a
// control sample, using the per-sample depth, strand-bias and repeat indel
// models, and writes the classified variant set.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/candidate"
	"github.com/grailbio/cohortvar/indelrate"
	"github.com/grailbio/cohortvar/interval"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/grailbio/cohortvar/sample"
	"gonum.org/v1/gonum/stat/distuv"
)

// Opts holds the classification thresholds.
type Opts struct {
	// MinCallDepth is the total depth below which a sample is not called.
	MinCallDepth int
	// MinAltReads is the alternate read count needed for a non-reference
	// genotype.
	MinAltReads int
	// HetMinFreq and HomMinFreq are the allele frequency thresholds of the
	// heterozygous and homozygous-alternate genotypes.
	HetMinFreq float64
	HomMinFreq float64
	// A difference with allele frequency >= StrongFreq and at least
	// StrongMinReads alternate reads overrides one failed soft screen.
	StrongFreq     float64
	StrongMinReads int
	// MinBiasReads is the number of stranded alternate reads needed to test
	// strand bias.
	MinBiasReads int
	// BiasPValue is the strand-bias p-value below which a call fails the bias
	// screen.
	BiasPValue float64
	// RepeatPValue is the p-value an indel in a repeat must fall below to be
	// distinguishable from the repeat's background indel rate.
	RepeatPValue float64
	// ScreenPenalty multiplies the confidence once per failed screen.
	ScreenPenalty float64
	// ErrorFloor bounds the control allele frequency away from 0 and 1 when
	// scoring confidence.
	ErrorFloor float64
}

// DefaultOpts are the default thresholds.
var DefaultOpts = Opts{
	MinCallDepth:   10,
	MinAltReads:    2,
	HetMinFreq:     0.1,
	HomMinFreq:     0.9,
	StrongFreq:     0.3,
	StrongMinReads: 10,
	MinBiasReads:   10,
	BiasPValue:     1e-4,
	RepeatPValue:   0.01,
	ScreenPenalty:  0.5,
	ErrorFloor:     1e-3,
}

// Call is the classification of one sample for one alternate allele.
type Call struct {
	Sample string
	// AltDepth is the read count of the allele; Depth is the total over all
	// alleles of the site.
	AltDepth int
	Depth    int
	AF       float64

	DepthPlausible  bool
	BiasPlausible   bool
	RepeatPlausible bool
	// BiasP and RepeatP are the screen p-values, 1 when a screen did not
	// apply.
	BiasP   float64
	RepeatP float64

	Genotype   Genotype
	State      State
	Status     Status
	Confidence float64
}

// SoftFailures returns the number of failed depth and strand-bias screens.
func (c *Call) SoftFailures() int {
	n := 0
	if !c.DepthPlausible {
		n++
	}
	if !c.BiasPlausible {
		n++
	}
	return n
}

// Failures returns the number of failed screens.
func (c *Call) Failures() int {
	n := c.SoftFailures()
	if !c.RepeatPlausible {
		n++
	}
	return n
}

// Flags lists the failed screens as a compact string: D for depth, B for
// strand bias and R for repeat, or "." when every screen passed.
func (c *Call) Flags() string {
	var s []byte
	if !c.DepthPlausible {
		s = append(s, 'D')
	}
	if !c.BiasPlausible {
		s = append(s, 'B')
	}
	if !c.RepeatPlausible {
		s = append(s, 'R')
	}
	if len(s) == 0 {
		return "."
	}
	return string(s)
}

// Allele is the classification of one alternate allele of a site.
type Allele struct {
	// Index is the 1-based allele index, as in VCF.
	Index int
	Alt   string
	Indel bool
	// Calls is parallel to Result.Samples.
	Calls []Call
}

// ClassifiedVariant is a candidate site with per-allele, per-sample calls.
type ClassifiedVariant struct {
	*candidate.Variant
	// Repeat is the repeat region the site overlaps, if any.
	Repeat *repeats.Region
	// Excluded is set for sites overlapping an excluded region.
	Excluded bool
	Alleles  []Allele
}

// Result is the output of Classify.
type Result struct {
	Samples []string
	Control string
	// Variants are in canonical chromosome order, then by position.
	Variants []*ClassifiedVariant
}

// Input bundles the inputs of Classify.  Catalog, Excluded and Sizes may be
// nil.
type Input struct {
	Candidates *candidate.File
	Models     []*sample.Model
	Control    string
	Catalog    *repeats.Catalog
	Excluded   *interval.RegionSet
	Sizes      *reference.ChromSizes
}

// genotype calls a genotype from allele read counts.
func genotype(alt, depth int, opts Opts) Genotype {
	if depth < opts.MinCallDepth || depth == 0 {
		return NoCall
	}
	af := float64(alt) / float64(depth)
	switch {
	case alt < opts.MinAltReads || af < opts.HetMinFreq:
		return Ref
	case af < opts.HomMinFreq:
		return Het
	}
	return HomAlt
}

// binomialAtLeast returns P(X >= k) for X ~ Binomial(n, p).
func binomialAtLeast(k, n int, p float64) float64 {
	if k <= 0 {
		return 1
	}
	if k > n {
		return 0
	}
	return distuv.Binomial{N: float64(n), P: p}.Survival(float64(k - 1))
}

// binomialAtMost returns P(X <= k) for X ~ Binomial(n, p).
func binomialAtMost(k, n int, p float64) float64 {
	if k >= n {
		return 1
	}
	return distuv.Binomial{N: float64(n), P: p}.CDF(float64(k))
}

// differenceP is the probability, under the control's allele frequency, of an
// alternate count at least as far from the control as alt, in the direction
// of the difference.
func differenceP(alt, depth int, controlAF float64, opts Opts) float64 {
	q := math.Min(math.Max(controlAF, opts.ErrorFloor), 1-opts.ErrorFloor)
	if float64(alt) >= q*float64(depth) {
		return binomialAtLeast(alt, depth, q)
	}
	return binomialAtMost(alt, depth, q)
}

// repeatKind maps an allele to the indel kind whose rate applies.
func repeatKind(ref, alt string) indelrate.Kind {
	if len(alt) > len(ref) {
		return indelrate.Insertion
	}
	return indelrate.Deletion
}

// screen runs the depth, strand-bias and repeat screens and the genotype call
// for one sample and allele.
func screen(v *candidate.Variant, allele int, repeat *repeats.Region, m *sample.Model, sup candidate.Support, opts Opts) Call {
	c := Call{
		Sample:          m.Name,
		AltDepth:        sup.AltDepth(allele),
		Depth:           sup.Depth(),
		DepthPlausible:  true,
		BiasPlausible:   true,
		RepeatPlausible: true,
		BiasP:           1,
		RepeatP:         1,
		State:           Raw,
	}
	if c.Depth > 0 {
		c.AF = float64(c.AltDepth) / float64(c.Depth)
	}
	if c.Genotype = genotype(c.AltDepth, c.Depth, opts); c.Genotype == NoCall {
		return c
	}

	c.DepthPlausible = m.Mask.Plausible(v.Chrom, v.Pos)
	c.State = DepthScreened

	if sup.HasStrand() && allele < len(sup.Fwd) {
		fwd, rev := sup.Fwd[allele], sup.Rev[allele]
		if fwd+rev >= opts.MinBiasReads && fwd+rev > 0 {
			c.BiasP = m.Bias.PValue(uint32(fwd), uint32(fwd+rev))
			c.BiasPlausible = c.BiasP >= opts.BiasPValue
		}
	}
	c.State = BiasScreened

	if repeat != nil && m.Rates != nil && v.IsIndel(allele) && c.AltDepth > 0 {
		rate := m.Rates.Rate(repeat.UnitLen(), repeat.Count, repeatKind(v.Ref, v.Alts[allele-1]))
		c.RepeatP = binomialAtLeast(c.AltDepth, c.Depth, rate)
		c.RepeatPlausible = c.RepeatP < opts.RepeatPValue
	}
	c.State = RepeatScreened

	// The genotype was called up front; every screen has now been applied.
	c.State = Classified
	return c
}

// decide sets the status and confidence of c given the control's call.
func decide(c *Call, isControl bool, control *Call, excluded bool, opts Opts) {
	switch {
	case c.Genotype == NoCall:
		c.Status = StatusNoCall
		return
	case isControl:
		c.Status = StatusControl
		c.Confidence = 1
		return
	}
	penalty := math.Pow(opts.ScreenPenalty, float64(c.Failures()))
	if control.Genotype == NoCall {
		c.Status = StatusNoControl
		c.Confidence = (1 - differenceP(c.AltDepth, c.Depth, 0, opts)) * penalty
		return
	}
	c.Confidence = (1 - differenceP(c.AltDepth, c.Depth, control.AF, opts)) * penalty
	if c.Genotype == control.Genotype {
		c.Status = StatusReference
		return
	}
	strong := c.AF >= opts.StrongFreq && c.AltDepth >= opts.StrongMinReads
	switch {
	case !c.RepeatPlausible:
		c.Status = StatusArtifact
	case c.SoftFailures() == 0:
		c.Status = StatusVariant
	case c.SoftFailures() == 1 && strong:
		c.Status = StatusVariant
	case c.SoftFailures() == 1:
		c.Status = StatusLowConfidence
	default:
		c.Status = StatusArtifact
	}
	if excluded && (c.Status == StatusVariant || c.Status == StatusLowConfidence) {
		c.Status = StatusExcluded
	}
}

// siteRepeat returns the repeat region a site touches.  For sites with an
// indel allele the span includes the base after the anchor so that insertions
// next to a repeat are found.
func siteRepeat(catalog *repeats.Catalog, v *candidate.Variant) *repeats.Region {
	if catalog == nil {
		return nil
	}
	end := v.End()
	indel := false
	for i := range v.Alts {
		indel = indel || v.IsIndel(i+1)
	}
	if indel && end < v.Pos+2 {
		end = v.Pos + 2
	}
	regions := catalog.Overlapping(v.Chrom, v.Pos, end)
	if len(regions) == 0 {
		return nil
	}
	r := regions[0]
	return &r
}

// Classify runs every (site, allele, sample) through the screens and decides
// its status relative to the control.  Models of samples absent from the
// candidate file are classified as having no reads.
func Classify(in Input, opts Opts) (*Result, error) {
	if in.Candidates == nil {
		return nil, errors.E(errors.Invalid, "no candidate variants")
	}
	controlIdx := -1
	cols := make([]int, len(in.Models))
	res := &Result{Control: in.Control, Samples: make([]string, len(in.Models))}
	for i, m := range in.Models {
		res.Samples[i] = m.Name
		if m.Name == in.Control {
			controlIdx = i
		}
		if cols[i] = in.Candidates.SampleIndex(m.Name); cols[i] < 0 {
			log.Printf("aggregate: sample %s has no column in the candidate file; treating it as uncovered", m.Name)
		}
	}
	if controlIdx < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("control sample %q has no model", in.Control))
	}
	sizes := in.Sizes
	if sizes == nil {
		sizes = reference.NewChromSizes(nil, nil)
	}
	order := sizes.Order()

	variants := append([]*candidate.Variant(nil), in.Candidates.Variants...)
	sort.SliceStable(variants, func(i, j int) bool {
		a, b := variants[i], variants[j]
		if a.Chrom != b.Chrom {
			return sizes.Less(order, a.Chrom, b.Chrom)
		}
		return a.Pos < b.Pos
	})

	res.Variants = make([]*ClassifiedVariant, len(variants))
	counts := make([]int, len(statusNames))
	for vi, v := range variants {
		cv := &ClassifiedVariant{
			Variant:  v,
			Repeat:   siteRepeat(in.Catalog, v),
			Excluded: in.Excluded.Intersects(v.Chrom, interval.PosType(v.Pos), interval.PosType(v.End())),
			Alleles:  make([]Allele, len(v.Alts)),
		}
		for ai, alt := range v.Alts {
			allele := &cv.Alleles[ai]
			allele.Index = ai + 1
			allele.Alt = alt
			allele.Indel = v.IsIndel(ai + 1)
			allele.Calls = make([]Call, len(in.Models))
			for i, m := range in.Models {
				var sup candidate.Support
				if cols[i] >= 0 {
					sup = v.Samples[cols[i]]
				}
				allele.Calls[i] = screen(v, allele.Index, cv.Repeat, m, sup, opts)
			}
			control := &allele.Calls[controlIdx]
			for i := range allele.Calls {
				decide(&allele.Calls[i], i == controlIdx, control, cv.Excluded, opts)
				counts[allele.Calls[i].Status]++
			}
		}
		res.Variants[vi] = cv
	}
	log.Printf("aggregate: classified %d sites: %d variant, %d low-confidence, %d artifact, %d excluded calls",
		len(variants), counts[StatusVariant], counts[StatusLowConfidence], counts[StatusArtifact], counts[StatusExcluded])
	return res, nil
}
