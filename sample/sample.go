// Package sample describes the samples of a cohort and the per-sample models
// produced by characterization.
package sample

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/samber/lo"
)

// Role distinguishes the control sample from the others.
type Role string

const (
	// Control is the baseline sample.
	Control Role = "control"
	// Case is every other sample.
	Case Role = "case"
)

// Sample is one entry of the manifest.
type Sample struct {
	Name string
	Role Role
	// BAM is the coordinate-sorted alignment file of the sample.
	BAM string
}

type manifestRow struct {
	Name string `tsv:"sample"`
	Role string `tsv:"role"`
	BAM  string `tsv:"bam"`
}

// ParseRole parses a manifest role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case Control:
		return Control, nil
	case Case:
		return Case, nil
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("unknown sample role %q", s))
}

// ParseManifest reads a tab-separated manifest with a "sample role bam"
// header.  Lines starting with '#' are ignored.
func ParseManifest(r io.Reader) ([]Sample, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	var samples []Sample
	for {
		var row manifestRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "sample manifest")
		}
		role, err := ParseRole(row.Role)
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Name: row.Name, Role: role, BAM: row.BAM})
	}
	if err := Validate(samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// ReadManifest reads the manifest at path.
func ReadManifest(ctx context.Context, path string) (samples []Sample, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "sample manifest", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if samples, err = ParseManifest(in.Reader(ctx)); err != nil {
		return nil, errors.E(err, path)
	}
	return samples, nil
}

// Validate checks that sample names are non-empty and unique, and that
// exactly one sample is the control.
func Validate(samples []Sample) error {
	if len(samples) == 0 {
		return errors.E(errors.Invalid, "no samples")
	}
	if lo.ContainsBy(samples, func(s Sample) bool { return s.Name == "" }) {
		return errors.E(errors.Invalid, "sample with an empty name")
	}
	names := lo.Map(samples, func(s Sample, _ int) string { return s.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return errors.E(errors.Invalid, "duplicate samples: "+strings.Join(dups, ", "))
	}
	controls := lo.Filter(samples, func(s Sample, _ int) bool { return s.Role == Control })
	if len(controls) != 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("want exactly one control sample, got %d", len(controls)))
	}
	return nil
}

// ControlName returns the name of the control sample.  samples must have
// passed Validate.
func ControlName(samples []Sample) string {
	s, _ := lo.Find(samples, func(s Sample) bool { return s.Role == Control })
	return s.Name
}
