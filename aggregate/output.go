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
	"bufio"
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/brentp/vcfgo"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/hts/bgzf"
	"github.com/samber/lo"
	"github.com/xuri/excelize/v2"
)

// Output file suffixes, appended to the output prefix.
const (
	TableSuffix = ".variants.txt"
	VCFSuffix   = ".variants.vcf"
	XLSXSuffix  = ".variants.xlsx"
)

var (
	siteColumns   = []string{"chrom", "pos", "ref", "alt", "allele", "repeat_unit", "repeat_count", "excluded"}
	sampleColumns = []string{"genotype", "status", "depth", "alt_reads", "af", "confidence", "flags"}
)

// header returns the table column names.
func (r *Result) header() []string {
	return append(append([]string(nil), siteColumns...), lo.FlatMap(r.Samples, func(s string, _ int) []string {
		return lo.Map(sampleColumns, func(col string, _ int) string { return s + "_" + col })
	})...)
}

// rows returns one row per (site, allele), with typed cells.
func (r *Result) rows() [][]interface{} {
	var rows [][]interface{}
	for _, v := range r.Variants {
		unit, count := ".", 0
		if v.Repeat != nil {
			unit, count = v.Repeat.Unit, v.Repeat.Count
		}
		for _, a := range v.Alleles {
			row := []interface{}{v.Chrom, v.Pos + 1, v.Ref, a.Alt, a.Index, unit, count, v.Excluded}
			for _, c := range a.Calls {
				row = append(row, c.Genotype.Name(), c.Status.String(), c.Depth, c.AltDepth, c.AF, c.Confidence, c.Flags())
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func cellString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', 6, 64)
	case bool:
		if v {
			return "yes"
		}
		return "no"
	}
	return fmt.Sprint(v)
}

// WriteTable writes the tab-delimited variant table.
func WriteTable(w io.Writer, r *Result) error {
	tw := tsv.NewWriter(w)
	for _, col := range r.header() {
		tw.WriteString(col)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, row := range r.rows() {
		for _, cell := range row {
			tw.WriteString(cellString(cell))
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteXLSX writes the variant table as a spreadsheet with a single sheet.
func WriteXLSX(w io.Writer, r *Result) (err error) {
	const sheet = "variants"
	f := excelize.NewFile()
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if err = f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	header := r.header()
	if err = f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i, row := range r.rows() {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		for j, v := range row {
			if b, ok := v.(bool); ok {
				row[j] = cellString(b)
			}
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// siteGenotype combines the per-allele genotypes of sample i into one VCF
// genotype.
func siteGenotype(v *ClassifiedVariant, i int) string {
	var hets []int
	called := false
	for _, a := range v.Alleles {
		switch a.Calls[i].Genotype {
		case HomAlt:
			return HomAlt.Alleles(a.Index)
		case Het:
			hets = append(hets, a.Index)
			called = true
		case Ref:
			called = true
		}
	}
	switch {
	case len(hets) >= 2:
		return fmt.Sprintf("%d/%d", hets[0], hets[1])
	case len(hets) == 1:
		return Het.Alleles(hets[0])
	case called:
		return Ref.Alleles(1)
	}
	return NoCall.Alleles(1)
}

// siteFilter summarizes the statuses of a site into a VCF FILTER value.
func siteFilter(v *ClassifiedVariant) string {
	seen := make(map[Status]bool)
	for _, a := range v.Alleles {
		for _, c := range a.Calls {
			seen[c.Status] = true
		}
	}
	switch {
	case seen[StatusVariant]:
		return "PASS"
	case seen[StatusLowConfidence]:
		return "LowConfidence"
	case seen[StatusExcluded]:
		return "Excluded"
	case seen[StatusArtifact]:
		return "Artifact"
	}
	return "NoVariant"
}

var (
	vcfInfos = []*vcfgo.Info{
		{Id: "RU", Number: "1", Type: "String", Description: "Unit of the overlapping tandem repeat"},
		{Id: "RC", Number: "1", Type: "Integer", Description: "Unit count of the overlapping tandem repeat"},
		{Id: "EXCLUDED", Number: "0", Type: "Flag", Description: "Site overlaps an excluded region"},
	}
	vcfFilters = map[string]string{
		"LowConfidence": "Differences from the control failed one screen",
		"Artifact":      "Differences from the control are likely artifacts",
		"Excluded":      "Differences from the control lie in an excluded region",
		"NoVariant":     "No sample differs from the control",
	}
	vcfFormats = []*vcfgo.SampleFormat{
		{Id: "GT", Number: "1", Type: "String", Description: "Genotype"},
		{Id: "AD", Number: "R", Type: "Integer", Description: "Allelic depths"},
		{Id: "DP", Number: "1", Type: "Integer", Description: "Read depth"},
		{Id: "ST", Number: "A", Type: "String", Description: "Status relative to the control"},
		{Id: "CF", Number: "A", Type: "Float", Description: "Confidence of the difference from the control"},
		{Id: "FL", Number: "A", Type: "String", Description: "Failed screens: D depth, B strand bias, R repeat"},
	}
)

func vcfHeader(r *Result, sizes *reference.ChromSizes) *vcfgo.Header {
	h := vcfgo.NewHeader()
	h.FileFormat = "4.2"
	h.SampleNames = r.Samples
	h.Extras = append(h.Extras, "##source=bio-cohortvar", "##control="+r.Control)
	if sizes != nil {
		for _, name := range sizes.Names {
			h.Contigs = append(h.Contigs, map[string]string{
				"ID":     name,
				"length": strconv.Itoa(sizes.Lengths[name]),
			})
		}
	}
	for _, info := range vcfInfos {
		h.Infos[info.Id] = info
	}
	for id, desc := range vcfFilters {
		h.Filters[id] = desc
	}
	for _, f := range vcfFormats {
		h.SampleFormats[f.Id] = f
	}
	return h
}

func siteInfo(v *ClassifiedVariant) string {
	var info []string
	if v.Repeat != nil {
		info = append(info, "RU="+v.Repeat.Unit, "RC="+strconv.Itoa(v.Repeat.Count))
	}
	if v.Excluded {
		info = append(info, "EXCLUDED")
	}
	if len(info) == 0 {
		return "."
	}
	return strings.Join(info, ";")
}

// sampleGenotype builds the FORMAT values of sample i.  AD is missing when
// the sample has no coverage at the site.
func sampleGenotype(v *ClassifiedVariant, i int) *vcfgo.SampleGenotype {
	depth := v.Alleles[0].Calls[i].Depth
	ad := make([]string, len(v.Alleles)+1)
	status := make([]string, len(v.Alleles))
	conf := make([]string, len(v.Alleles))
	flags := make([]string, len(v.Alleles))
	ref := depth
	for j, a := range v.Alleles {
		c := a.Calls[i]
		ref -= c.AltDepth
		ad[j+1] = strconv.Itoa(c.AltDepth)
		status[j] = c.Status.String()
		conf[j] = strconv.FormatFloat(c.Confidence, 'g', 4, 64)
		flags[j] = c.Flags()
	}
	ad[0] = strconv.Itoa(ref)
	adField := strings.Join(ad, ",")
	if depth == 0 {
		adField = "."
	}
	gt := siteGenotype(v, i)
	return &vcfgo.SampleGenotype{
		GT:     parseGT(gt),
		DP:     depth,
		Fields: map[string]string{
			"GT": gt,
			"AD": adField,
			"DP": strconv.Itoa(depth),
			"ST": strings.Join(status, ","),
			"CF": strings.Join(conf, ","),
			"FL": strings.Join(flags, ","),
		},
	}
}

// parseGT converts an unphased genotype string to allele indexes, -1 for a
// missing allele.
func parseGT(gt string) []int {
	parts := strings.Split(gt, "/")
	alleles := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = -1
		}
		alleles[i] = n
	}
	return alleles
}

// WriteVCF writes one record per site.  sizes, if non-nil, supplies the
// contig lines.
func WriteVCF(w io.Writer, r *Result, sizes *reference.ChromSizes) error {
	bw := bufio.NewWriter(w)
	h := vcfHeader(r, sizes)
	vw, err := vcfgo.NewWriter(bw, h)
	if err != nil {
		return errors.E(err, "writing VCF header")
	}
	for _, v := range r.Variants {
		id := v.ID
		if id == "" {
			id = "."
		}
		rec := &vcfgo.Variant{
			Chromosome: v.Chrom,
			Pos:        uint64(v.Pos + 1),
			Id_:        id,
			Reference:  v.Ref,
			Alternate:  v.Alts,
			Quality:    vcfgo.MISSING_VAL,
			Filter:     siteFilter(v),
			Info_:      vcfgo.NewInfoByte([]byte(siteInfo(v)), h),
			Format:     []string{"GT", "AD", "DP", "ST", "CF", "FL"},
			Header:     h,
		}
		rec.Samples = make([]*vcfgo.SampleGenotype, len(r.Samples))
		for i := range r.Samples {
			rec.Samples[i] = sampleGenotype(v, i)
		}
		vw.WriteVariant(rec)
	}
	return bw.Flush()
}

// WriteOpts selects the output artifacts.
type WriteOpts struct {
	// Sizes supplies VCF contig lines.
	Sizes *reference.ChromSizes
	// BGZF compresses the VCF.
	BGZF bool
	// XLSX adds a spreadsheet copy of the table.
	XLSX bool
}

// Write writes "<prefix>.variants.txt", "<prefix>.variants.vcf[.gz]" and,
// optionally, "<prefix>.variants.xlsx".
func Write(ctx context.Context, prefix string, r *Result, opts WriteOpts) error {
	if err := writeFile(ctx, prefix+TableSuffix, false, func(w io.Writer) error { return WriteTable(w, r) }); err != nil {
		return err
	}
	vcfPath := prefix + VCFSuffix
	if opts.BGZF {
		vcfPath += ".gz"
	}
	if err := writeFile(ctx, vcfPath, opts.BGZF, func(w io.Writer) error { return WriteVCF(w, r, opts.Sizes) }); err != nil {
		return err
	}
	if opts.XLSX {
		if err := writeFile(ctx, prefix+XLSXSuffix, false, func(w io.Writer) error { return WriteXLSX(w, r) }); err != nil {
			return err
		}
	}
	log.Printf("aggregate: wrote %d sites to %s.variants.*", len(r.Variants), prefix)
	return nil
}

func writeFile(ctx context.Context, path string, bgzip bool, fn func(w io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "creating", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if !bgzip {
		return fn(out.Writer(ctx))
	}
	bw := bgzf.NewWriter(out.Writer(ctx), runtime.NumCPU())
	defer func() {
		if e := bw.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fn(bw)
}
