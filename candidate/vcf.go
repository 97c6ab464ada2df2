// Package candidate reads the candidate variant calls produced by an upstream
// caller.  Only the fields needed for classification are decoded: position,
// alleles, and per-sample allele depths with optional strand counts.
package candidate

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/brentp/vcfgo"
	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Support is the read support of one sample at one site.  All slices are
// indexed by allele, reference first.
type Support struct {
	// AlleleDepths is nil when the sample has no AD value.
	AlleleDepths []int
	// Fwd and Rev are nil when the caller reported no strand counts.
	Fwd, Rev []int
}

// Depth returns the total read depth over all alleles.
func (s Support) Depth() int {
	n := 0
	for _, d := range s.AlleleDepths {
		n += d
	}
	return n
}

// AltDepth returns the depth of allele i, or 0 if unknown.
func (s Support) AltDepth(i int) int {
	if i >= len(s.AlleleDepths) {
		return 0
	}
	return s.AlleleDepths[i]
}

// HasStrand reports whether per-strand counts are available.
func (s Support) HasStrand() bool { return s.Fwd != nil && s.Rev != nil }

// Variant is one candidate site.
type Variant struct {
	Chrom string
	// Pos is 0-based.
	Pos  int
	ID   string
	Ref  string
	Alts []string
	// Samples is parallel to File.Samples.
	Samples []Support
}

// IsIndel reports whether alt allele i (1-based, as in VCF) changes length.
func (v *Variant) IsIndel(i int) bool {
	return len(v.Alts[i-1]) != len(v.Ref)
}

// End returns the end of the reference span of the site (exclusive).
func (v *Variant) End() int { return v.Pos + len(v.Ref) }

// File is a parsed candidate VCF.
type File struct {
	// Meta holds the header lines that are not INFO, FORMAT, FILTER or contig
	// definitions.
	Meta    []string
	Samples []string
	// Variants are in file order.
	Variants []*Variant
}

// SampleIndex returns the column of the named sample, or -1.
func (f *File) SampleIndex(name string) int {
	for i, s := range f.Samples {
		if s == name {
			return i
		}
	}
	return -1
}

// symbolic reports whether an ALT allele is not a literal sequence.
func symbolic(alt string) bool {
	return alt == "" || alt == "." || alt == "*" ||
		strings.HasPrefix(alt, "<") || strings.ContainsAny(alt, "[]")
}

// parseInts parses a comma-separated integer list.  A missing value (".")
// yields nil.
func parseInts(s string) ([]int, error) {
	if s == "" || s == "." {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	vals := make([]int, len(fields))
	for i, f := range fields {
		if f == "." {
			return nil, nil
		}
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("negative count %d", v)
		}
		vals[i] = v
	}
	return vals, nil
}

// parseSupport decodes the AD, SAC and SB fields of one sample.  nAlleles
// counts the reference and every ALT in the record; keep lists the allele
// indexes retained.
func parseSupport(fields map[string]string, nAlleles int, keep []int) (Support, error) {
	var s Support
	ad, err := parseInts(fields["AD"])
	if err != nil {
		return s, errors.E(err, "AD")
	}
	if ad != nil {
		if len(ad) != nAlleles {
			return s, fmt.Errorf("AD has %d values, want %d", len(ad), nAlleles)
		}
		s.AlleleDepths = make([]int, len(keep))
		for i, k := range keep {
			s.AlleleDepths[i] = ad[k]
		}
	}
	sac, err := parseInts(fields["SAC"])
	if err != nil {
		return s, errors.E(err, "SAC")
	}
	switch {
	case sac != nil:
		if len(sac) != 2*nAlleles {
			return s, fmt.Errorf("SAC has %d values, want %d", len(sac), 2*nAlleles)
		}
		s.Fwd, s.Rev = make([]int, len(keep)), make([]int, len(keep))
		for i, k := range keep {
			s.Fwd[i], s.Rev[i] = sac[2*k], sac[2*k+1]
		}
	case nAlleles == 2 && len(keep) == 2:
		sb, err := parseInts(fields["SB"])
		if err != nil {
			return s, errors.E(err, "SB")
		}
		if sb != nil {
			if len(sb) != 4 {
				return s, fmt.Errorf("SB has %d values, want 4", len(sb))
			}
			s.Fwd, s.Rev = []int{sb[0], sb[2]}, []int{sb[1], sb[3]}
		}
	}
	return s, nil
}

// convert decodes one parsed record.  It returns nil when the record has no
// literal ALT allele.
func convert(rec *vcfgo.Variant, samples []string) (*Variant, error) {
	if rec.Pos < 1 {
		return nil, fmt.Errorf("invalid position %d", rec.Pos)
	}
	v := &Variant{
		Chrom: rec.Chromosome,
		Pos:   int(rec.Pos) - 1,
		ID:    rec.Id(),
		Ref:   strings.ToUpper(rec.Reference),
	}
	if v.Ref == "" || v.Ref == "." {
		return nil, fmt.Errorf("missing REF")
	}
	keep := []int{0}
	for i, alt := range rec.Alternate {
		if symbolic(alt) {
			continue
		}
		keep = append(keep, i+1)
		v.Alts = append(v.Alts, strings.ToUpper(alt))
	}
	if len(v.Alts) == 0 {
		return nil, nil
	}
	if len(rec.Samples) != len(samples) {
		return nil, fmt.Errorf("%d sample columns, want %d", len(rec.Samples), len(samples))
	}
	v.Samples = make([]Support, len(samples))
	for i, g := range rec.Samples {
		if g == nil {
			continue
		}
		var err error
		if v.Samples[i], err = parseSupport(g.Fields, len(rec.Alternate)+1, keep); err != nil {
			return nil, errors.E(err, "sample", samples[i])
		}
	}
	return v, nil
}

// Read parses a candidate VCF.
func Read(r io.Reader) (*File, error) {
	rdr, err := vcfgo.NewReader(r, false)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "VCF header")
	}
	f := &File{
		Samples: rdr.Header.SampleNames,
		Meta:    rdr.Header.Extras,
	}
	if len(f.Samples) == 0 {
		return nil, errors.E(errors.Invalid, "VCF has no sample columns")
	}
	var dropped int
	for {
		rec := rdr.Read()
		if rec == nil {
			break
		}
		if err := rdr.Error(); err != nil {
			// Undeclared INFO and FORMAT keys are reported here; the fields
			// needed for classification are validated below.
			log.Debug.Printf("candidate: %s:%d: %v", rec.Chromosome, rec.Pos, err)
			rdr.Clear()
		}
		v, err := convert(rec, f.Samples)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("VCF record %s:%d", rec.Chromosome, rec.Pos))
		}
		if v == nil {
			dropped++
			continue
		}
		f.Variants = append(f.Variants, v)
	}
	if err := rdr.Error(); err != nil {
		return nil, errors.E(errors.Invalid, err, "VCF")
	}
	if dropped > 0 {
		log.Debug.Printf("candidate: dropped %d records without a sequence ALT allele", dropped)
	}
	return f, nil
}

// ReadFile reads a candidate VCF.  Gzip and bgzip input is decompressed.
func ReadFile(ctx context.Context, path string) (vcf *File, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "candidate VCF", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, _ := compress.NewReader(in.Reader(ctx))
	defer r.Close() // nolint: errcheck
	if vcf, err = Read(r); err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("candidate: read %d sites for %d samples from %s", len(vcf.Variants), len(vcf.Samples), path)
	return vcf, nil
}
