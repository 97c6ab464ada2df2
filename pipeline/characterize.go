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

// Package pipeline runs the two phases of cohort classification: per-sample
// characterization of alignments, and classification of candidate variants
// against the characterized control.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/config"
	"github.com/grailbio/cohortvar/distribution"
	"github.com/grailbio/cohortvar/encoding/bamprovider"
	"github.com/grailbio/cohortvar/indelrate"
	"github.com/grailbio/cohortvar/interval"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/grailbio/cohortvar/sample"
)

// Env holds the reference-derived inputs.  It is shared read-only by all
// workers.
type Env struct {
	Sizes   *reference.ChromSizes
	Catalog *repeats.Catalog
	// Excluded may be nil.
	Excluded *interval.RegionSet
}

// LoadEnv checks that the reference at refPath is indexed and loads its
// chromosome sizes and repeat catalog.  Sizes come from chromSizesPath when
// it is nonempty, else from the reference index.  excludedPath is an
// optional BED file.
func LoadEnv(ctx context.Context, refPath, chromSizesPath, excludedPath string, opts config.Opts) (env Env, err error) {
	if err = reference.CheckIndex(ctx, refPath); err != nil {
		return env, err
	}
	if chromSizesPath != "" {
		env.Sizes, err = reference.ReadChromSizes(ctx, chromSizesPath)
	} else {
		env.Sizes, err = reference.ChromSizesFromIndex(ctx, reference.IndexPath(refPath))
	}
	if err != nil {
		return env, err
	}
	if env.Catalog, err = repeats.LoadOrBuild(ctx, refPath, nil, opts.RepeatOpts()); err != nil {
		return env, err
	}
	if excludedPath != "" {
		if env.Excluded, err = interval.NewRegionSetFromPath(ctx, excludedPath); err != nil {
			return env, errors.E(err, "excluded regions", excludedPath)
		}
	}
	return env, nil
}

// characterizeTask is the unit of work of phase one: one sample, with the
// shared inputs it reads.
type characterizeTask struct {
	sample.Sample
	provider bamprovider.Provider
	env      Env
	opts     config.Opts
	outDir   string
	tempDir  string
}

// characterized is the result of a characterizeTask.
type characterized struct {
	model *sample.Model
	info  sample.Info
}

// tempPath returns a per-sample scratch path, "<sample>.<uuid>.<kind>".
func (t *characterizeTask) tempPath(kind string) string {
	return filepath.Join(t.tempDir, fmt.Sprintf("%s.%s.%s", t.Name, uuid.New(), kind))
}

// spillDepths makes one pass over the alignments, filling h and writing the
// per-position depths to a temporary spill file, whose path is returned.
func (t *characterizeTask) spillDepths(ctx context.Context, h *distribution.Histograms) (_ string, err error) {
	path := t.tempPath("depth")
	out, err := file.Create(ctx, path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			file.Remove(ctx, path) // nolint: errcheck
		}
	}()
	defer file.CloseAndReport(ctx, out, &err)
	spill := pileup.NewSpillWriter(out.Writer(ctx))
	iter := t.provider.NewIterator()
	err = pileup.Scan(iter, t.env.Sizes, t.opts.Filter(), func(c *pileup.ChromDepths) error {
		h.Observe(c)
		return spill.Write(c.Name, c.Totals())
	})
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err = spill.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// mask builds the depth mask from the spill file at path, then removes it.
func (t *characterizeTask) mask(ctx context.Context, path string, model distribution.DepthModel) (m *distribution.Mask, err error) {
	defer func() {
		if rerr := file.Remove(ctx, path); rerr != nil {
			log.Error.Printf("pipeline: remove %s: %v", path, rerr)
		}
	}()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return distribution.DepthMask(model, t.opts.DepthNSigma, pileup.NewSpillReader(in.Reader(ctx)))
}

func writeArtifact(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	return fn(out.Writer(ctx))
}

// run characterizes one sample: depth and strand-bias distributions, the
// depth mask, and repeat indel rates.  Degenerate fits are logged and the
// sample continues with a degenerate model.
func (t *characterizeTask) run(ctx context.Context) (*characterized, error) {
	log.Printf("pipeline: characterizing %s (%s)", t.Name, t.BAM)
	h := distribution.NewHistograms(t.opts.MinBiasDepth, t.env.Excluded)
	spillPath, err := t.spillDepths(ctx, h)
	if err != nil {
		return nil, err
	}
	depth, err := distribution.FitDepth(h.Depth)
	if err != nil {
		if !distribution.IsDegenerate(err) {
			return nil, err
		}
		log.Error.Printf("pipeline: %s: %v; depth screening disabled", t.Name, err)
	}
	bias, err := distribution.FitBias(h.Bias)
	if err != nil {
		if !distribution.IsDegenerate(err) {
			return nil, err
		}
		log.Error.Printf("pipeline: %s: %v; strand bias screening disabled", t.Name, err)
	}
	mask, err := t.mask(ctx, spillPath, depth)
	if err != nil {
		return nil, err
	}
	iter := t.provider.NewIterator()
	rates, err := indelrate.Fit(t.env.Catalog, iter, t.opts.IndelRateOpts())
	if cerr := iter.Close(); err == nil && cerr != nil {
		err = errors.E(cerr, "counting repeat-spanning reads")
	}
	if err != nil {
		return nil, err
	}

	info := sample.Info{
		Sample:            t.Sample,
		Depth:             depth,
		Bias:              bias,
		DepthDistribution: t.Name + "." + sample.DepthDistributionSuffix,
		BiasDistribution:  t.Name + "." + sample.BiasDistributionSuffix,
		FilteredSites:     t.Name + "." + sample.FilteredSitesSuffix,
		IndelFits:         t.Name + "." + sample.IndelFitsSuffix,
	}
	artifacts := []struct {
		suffix string
		write  func(w io.Writer) error
	}{
		{sample.DepthDistributionSuffix, h.Depth.WriteDepth},
		{sample.BiasDistributionSuffix, h.Bias.WriteBias},
		{sample.FilteredSitesSuffix, func(w io.Writer) error { return mask.WriteBED(w, t.env.Sizes) }},
		{sample.IndelFitsSuffix, func(w io.Writer) error { return indelrate.Write(w, rates) }},
	}
	for _, a := range artifacts {
		if err := writeArtifact(ctx, sample.ArtifactPath(t.outDir, t.Name, a.suffix), a.write); err != nil {
			return nil, err
		}
	}
	log.Printf("pipeline: %s: depth %.2f±%.2f over %d positions, %d implausible, %d rate buckets",
		t.Name, depth.Mean, depth.Stdev, depth.N, mask.Implausible(), len(rates.Entries()))
	return &characterized{
		model: &sample.Model{Sample: t.Sample, Depth: depth, Bias: bias, Mask: mask, Rates: rates},
		info:  info,
	}, nil
}

// CharacterizeOpts configures Characterize.
type CharacterizeOpts struct {
	Env  Env
	Opts config.Opts
	// OutDir receives the sample info file and per-sample artifacts.
	OutDir string
	// NewProvider opens the alignments of a sample.  Defaults to
	// bamprovider.NewProvider.
	NewProvider func(s sample.Sample) bamprovider.Provider
}

// Characterize runs phase one over samples, in parallel, and writes
// OutDir/sample_info.txt.  The returned models are in samples order.  Any
// sample failure fails the whole run.
func Characterize(ctx context.Context, samples []sample.Sample, opts CharacterizeOpts) ([]*sample.Model, error) {
	if err := sample.Validate(samples); err != nil {
		return nil, err
	}
	if opts.NewProvider == nil {
		opts.NewProvider = func(s sample.Sample) bamprovider.Provider { return bamprovider.NewProvider(s.BAM) }
	}
	tempDir := opts.Opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, errors.E(err, "temp dir", tempDir)
	}
	tasks := make([]*characterizeTask, len(samples))
	for i, s := range samples {
		tasks[i] = &characterizeTask{
			Sample:  s,
			env:     opts.Env,
			opts:    opts.Opts,
			outDir:  opts.OutDir,
			tempDir: tempDir,
		}
	}
	results, err := Map(ctx, opts.Opts.Workers(), tasks, func(ctx context.Context, t *characterizeTask) (c *characterized, err error) {
		t.provider = opts.NewProvider(t.Sample)
		defer func() {
			if cerr := t.provider.Close(); err == nil && cerr != nil {
				err = errors.E(cerr, fmt.Sprintf("sample %s", t.Name))
			}
		}()
		if c, err = t.run(ctx); err != nil {
			return nil, errors.E(err, fmt.Sprintf("sample %s", t.Name))
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	models := make([]*sample.Model, len(results))
	infos := make([]sample.Info, len(results))
	for i, r := range results {
		models[i], infos[i] = r.model, r.info
	}
	path := filepath.Join(opts.OutDir, sample.InfoFile)
	if err := sample.WriteInfoFile(ctx, path, infos); err != nil {
		return nil, err
	}
	log.Printf("pipeline: characterized %d samples; wrote %s", len(samples), path)
	return models, nil
}
