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

package pipeline

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/aggregate"
	"github.com/grailbio/cohortvar/candidate"
	"github.com/grailbio/cohortvar/config"
	"github.com/grailbio/cohortvar/sample"
	"github.com/samber/lo"
)

// CallOpts configures phase two.
type CallOpts struct {
	Env  Env
	Opts config.Opts
	// Candidates is the path of the candidate VCF.
	Candidates string
	// OutPrefix is the prefix of the output files.
	OutPrefix string
}

// Classify classifies the candidates of opts against models and writes the
// outputs under opts.OutPrefix.  Exactly one model must be the control.
func Classify(ctx context.Context, models []*sample.Model, opts CallOpts) (*aggregate.Result, error) {
	controls := lo.Filter(models, func(m *sample.Model, _ int) bool { return m.IsControl() })
	if len(controls) != 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("want exactly one control model, got %d", len(controls)))
	}
	vcf, err := candidate.ReadFile(ctx, opts.Candidates)
	if err != nil {
		return nil, err
	}
	res, err := aggregate.Classify(aggregate.Input{
		Candidates: vcf,
		Models:     models,
		Control:    controls[0].Name,
		Catalog:    opts.Env.Catalog,
		Excluded:   opts.Env.Excluded,
		Sizes:      opts.Env.Sizes,
	}, opts.Opts.AggregateOpts())
	if err != nil {
		return nil, err
	}
	err = aggregate.Write(ctx, opts.OutPrefix, res, aggregate.WriteOpts{
		Sizes: opts.Env.Sizes,
		BGZF:  opts.Opts.BGZF,
		XLSX:  opts.Opts.XLSX,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CallVariants runs phase two from a sample info file written by
// Characterize.
func CallVariants(ctx context.Context, infoPath string, opts CallOpts) (*aggregate.Result, error) {
	models, err := sample.LoadModels(ctx, infoPath, opts.Env.Sizes, opts.Opts.IndelRateOpts())
	if err != nil {
		return nil, err
	}
	return Classify(ctx, models, opts)
}

// Run runs both phases: samples are characterized into outDir, and the
// resulting models classify the candidates.  The models are passed in
// memory; the sample info file is written for later call-variants runs.
func Run(ctx context.Context, samples []sample.Sample, outDir string, opts CallOpts) (*aggregate.Result, error) {
	models, err := Characterize(ctx, samples, CharacterizeOpts{Env: opts.Env, Opts: opts.Opts, OutDir: outDir})
	if err != nil {
		return nil, err
	}
	log.Printf("pipeline: characterization done; classifying %s", opts.Candidates)
	return Classify(ctx, models, opts)
}
