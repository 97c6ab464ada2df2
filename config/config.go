// Package config holds the tunable thresholds of the pipeline.  Values are
// layered: built-in defaults, then an optional YAML file, then COHORTVAR_*
// environment variables, then command-line flags.
package config

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/cohortvar/aggregate"
	"github.com/grailbio/cohortvar/indelrate"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes the environment variables read by Opts.ApplyEnv.
const EnvPrefix = "COHORTVAR"

// Opts is the complete configuration.
type Opts struct {
	// Characterization.
	DepthNSigma  float64 `yaml:"depth_n_sigma" envconfig:"DEPTH_N_SIGMA"`
	MinBiasDepth int     `yaml:"min_bias_depth" envconfig:"MIN_BIAS_DEPTH"`
	MinMapQ      int     `yaml:"min_mapq" envconfig:"MIN_MAPQ"`
	FlagExclude  string  `yaml:"flag_exclude" envconfig:"FLAG_EXCLUDE"`

	// Repeat detection.
	MaxUnitLength  int `yaml:"max_unit_length" envconfig:"MAX_UNIT_LENGTH"`
	MinRepeatCount int `yaml:"min_repeat_count" envconfig:"MIN_REPEAT_COUNT"`
	MinRepeatSpan  int `yaml:"min_repeat_span" envconfig:"MIN_REPEAT_SPAN"`

	// Repeat indel rates.
	PseudoCount      float64 `yaml:"pseudo_count" envconfig:"PSEUDO_COUNT"`
	MinSpanningReads int64   `yaml:"min_spanning_reads" envconfig:"MIN_SPANNING_READS"`
	DefaultIndelRate float64 `yaml:"default_indel_rate" envconfig:"DEFAULT_INDEL_RATE"`

	// Classification.
	MinCallDepth   int     `yaml:"min_call_depth" envconfig:"MIN_CALL_DEPTH"`
	MinAltReads    int     `yaml:"min_alt_reads" envconfig:"MIN_ALT_READS"`
	HetMinFreq     float64 `yaml:"het_min_freq" envconfig:"HET_MIN_FREQ"`
	HomMinFreq     float64 `yaml:"hom_min_freq" envconfig:"HOM_MIN_FREQ"`
	StrongFreq     float64 `yaml:"strong_freq" envconfig:"STRONG_FREQ"`
	StrongMinReads int     `yaml:"strong_min_reads" envconfig:"STRONG_MIN_READS"`
	MinBiasReads   int     `yaml:"min_bias_reads" envconfig:"MIN_BIAS_READS"`
	BiasPValue     float64 `yaml:"bias_p_value" envconfig:"BIAS_P_VALUE"`
	RepeatPValue   float64 `yaml:"repeat_p_value" envconfig:"REPEAT_P_VALUE"`
	ScreenPenalty  float64 `yaml:"screen_penalty" envconfig:"SCREEN_PENALTY"`
	ErrorFloor     float64 `yaml:"error_floor" envconfig:"ERROR_FLOOR"`

	// Execution and output.
	Parallelism int    `yaml:"parallelism" envconfig:"PARALLELISM"`
	TempDir     string `yaml:"temp_dir" envconfig:"TEMP_DIR"`
	BGZF        bool   `yaml:"bgzf" envconfig:"BGZF"`
	XLSX        bool   `yaml:"xlsx" envconfig:"XLSX"`
}

// Default returns the built-in configuration.
func Default() Opts {
	a := aggregate.DefaultOpts
	return Opts{
		DepthNSigma:  3,
		MinBiasDepth: 10,
		MinMapQ:      pileup.DefaultFilter.MinMapQ,
		FlagExclude:  fmt.Sprintf("%#x", uint16(pileup.DefaultFilter.FlagExclude)),

		MaxUnitLength:  repeats.DefaultOpts.MaxUnitLength,
		MinRepeatCount: repeats.DefaultOpts.MinCount,
		MinRepeatSpan:  repeats.DefaultOpts.MinSpan,

		PseudoCount:      indelrate.DefaultOpts.PseudoCount,
		MinSpanningReads: indelrate.DefaultOpts.MinSpanningReads,
		DefaultIndelRate: indelrate.DefaultOpts.DefaultRate,

		MinCallDepth:   a.MinCallDepth,
		MinAltReads:    a.MinAltReads,
		HetMinFreq:     a.HetMinFreq,
		HomMinFreq:     a.HomMinFreq,
		StrongFreq:     a.StrongFreq,
		StrongMinReads: a.StrongMinReads,
		MinBiasReads:   a.MinBiasReads,
		BiasPValue:     a.BiasPValue,
		RepeatPValue:   a.RepeatPValue,
		ScreenPenalty:  a.ScreenPenalty,
		ErrorFloor:     a.ErrorFloor,
	}
}

// Decode overlays the YAML document read from r on o.  Unknown keys are
// errors.
func (o *Opts) Decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(data, o); err != nil {
		return errors.E(errors.Invalid, err, "configuration")
	}
	return nil
}

// ApplyEnv overlays the COHORTVAR_* environment variables on o.
func (o *Opts) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, o); err != nil {
		return errors.E(errors.Invalid, err, "configuration environment")
	}
	return nil
}

// Load returns the defaults overlaid with the YAML file at path (if path is
// non-empty) and the environment.
func Load(ctx context.Context, path string) (o Opts, err error) {
	o = Default()
	if path != "" {
		in, err := file.Open(ctx, path)
		if err != nil {
			return o, errors.E(errors.NotExist, err, "configuration", path)
		}
		err = o.Decode(in.Reader(ctx))
		if cerr := in.Close(ctx); err == nil {
			err = cerr
		}
		if err != nil {
			return o, errors.E(err, path)
		}
	}
	err = o.ApplyEnv()
	return o, err
}

// Validate reports every out-of-range value as one configuration error.
func (o Opts) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(o.DepthNSigma > 0, "depth_n_sigma must be positive, got %v", o.DepthNSigma)
	check(o.MinBiasDepth >= 1, "min_bias_depth must be at least 1, got %d", o.MinBiasDepth)
	check(o.MinMapQ >= 0 && o.MinMapQ <= 255, "min_mapq must be in [0, 255], got %d", o.MinMapQ)
	if _, err := pileup.ParseFlags(o.FlagExclude); err != nil {
		problems = append(problems, err.Error())
	}
	check(o.MaxUnitLength >= 1, "max_unit_length must be at least 1, got %d", o.MaxUnitLength)
	check(o.MinRepeatCount >= 2, "min_repeat_count must be at least 2, got %d", o.MinRepeatCount)
	check(o.MinRepeatSpan >= 1, "min_repeat_span must be at least 1, got %d", o.MinRepeatSpan)
	check(o.PseudoCount > 0, "pseudo_count must be positive, got %v", o.PseudoCount)
	check(o.MinSpanningReads >= 0, "min_spanning_reads must not be negative, got %d", o.MinSpanningReads)
	check(o.DefaultIndelRate > 0 && o.DefaultIndelRate < 1, "default_indel_rate must be in (0, 1), got %v", o.DefaultIndelRate)
	check(o.MinCallDepth >= 1, "min_call_depth must be at least 1, got %d", o.MinCallDepth)
	check(o.MinAltReads >= 1, "min_alt_reads must be at least 1, got %d", o.MinAltReads)
	check(o.HetMinFreq > 0 && o.HetMinFreq < o.HomMinFreq && o.HomMinFreq <= 1,
		"need 0 < het_min_freq < hom_min_freq <= 1, got %v and %v", o.HetMinFreq, o.HomMinFreq)
	check(o.StrongFreq > 0 && o.StrongFreq <= 1, "strong_freq must be in (0, 1], got %v", o.StrongFreq)
	check(o.StrongMinReads >= 0, "strong_min_reads must not be negative, got %d", o.StrongMinReads)
	check(o.MinBiasReads >= 1, "min_bias_reads must be at least 1, got %d", o.MinBiasReads)
	check(o.BiasPValue > 0 && o.BiasPValue < 1, "bias_p_value must be in (0, 1), got %v", o.BiasPValue)
	check(o.RepeatPValue > 0 && o.RepeatPValue < 1, "repeat_p_value must be in (0, 1), got %v", o.RepeatPValue)
	check(o.ScreenPenalty >= 0 && o.ScreenPenalty <= 1, "screen_penalty must be in [0, 1], got %v", o.ScreenPenalty)
	check(o.ErrorFloor > 0 && o.ErrorFloor < 0.5, "error_floor must be in (0, 0.5), got %v", o.ErrorFloor)
	check(o.Parallelism >= 0, "parallelism must not be negative, got %d", o.Parallelism)
	if len(problems) > 0 {
		return errors.E(errors.Invalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// Filter returns the alignment filter.  o must be valid.
func (o Opts) Filter() pileup.Filter {
	flags, _ := pileup.ParseFlags(o.FlagExclude)
	return pileup.Filter{MinMapQ: o.MinMapQ, FlagExclude: flags}
}

// RepeatOpts returns the repeat detection options.
func (o Opts) RepeatOpts() repeats.Opts {
	return repeats.Opts{MaxUnitLength: o.MaxUnitLength, MinCount: o.MinRepeatCount, MinSpan: o.MinRepeatSpan}
}

// IndelRateOpts returns the indel rate estimation options.
func (o Opts) IndelRateOpts() indelrate.Opts {
	return indelrate.Opts{
		Filter:           o.Filter(),
		PseudoCount:      o.PseudoCount,
		MinSpanningReads: o.MinSpanningReads,
		DefaultRate:      o.DefaultIndelRate,
	}
}

// AggregateOpts returns the classification thresholds.
func (o Opts) AggregateOpts() aggregate.Opts {
	return aggregate.Opts{
		MinCallDepth:   o.MinCallDepth,
		MinAltReads:    o.MinAltReads,
		HetMinFreq:     o.HetMinFreq,
		HomMinFreq:     o.HomMinFreq,
		StrongFreq:     o.StrongFreq,
		StrongMinReads: o.StrongMinReads,
		MinBiasReads:   o.MinBiasReads,
		BiasPValue:     o.BiasPValue,
		RepeatPValue:   o.RepeatPValue,
		ScreenPenalty:  o.ScreenPenalty,
		ErrorFloor:     o.ErrorFloor,
	}
}

// Workers returns the number of concurrent sample tasks.
func (o Opts) Workers() int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	return runtime.NumCPU()
}

// Flags binds command-line flags that override individual options.  Only
// flags set on the command line are applied.
type Flags struct {
	fs       *flag.FlagSet
	scratch  Opts
	bindings map[string]func(dst, src *Opts)
}

// RegisterFlags registers the override flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs, scratch: Default(), bindings: make(map[string]func(dst, src *Opts))}
	s := &f.scratch
	f.floatFlag("depth-n-sigma", &s.DepthNSigma, "Depth mask half-width, in standard deviations.",
		func(d, s *Opts) { d.DepthNSigma = s.DepthNSigma })
	f.intFlag("min-mapq", &s.MinMapQ, "Minimum mapping quality of counted reads.",
		func(d, s *Opts) { d.MinMapQ = s.MinMapQ })
	fs.StringVar(&s.FlagExclude, "flag-exclude", s.FlagExclude, "Drop reads with any of these SAM flags.")
	f.bindings["flag-exclude"] = func(d, s *Opts) { d.FlagExclude = s.FlagExclude }
	f.intFlag("min-call-depth", &s.MinCallDepth, "Minimum depth for a genotype call.",
		func(d, s *Opts) { d.MinCallDepth = s.MinCallDepth })
	f.floatFlag("repeat-p-value", &s.RepeatPValue, "Significance an indel in a repeat must reach.",
		func(d, s *Opts) { d.RepeatPValue = s.RepeatPValue })
	f.intFlag("parallelism", &s.Parallelism, "Concurrent sample tasks; 0 uses every CPU.",
		func(d, s *Opts) { d.Parallelism = s.Parallelism })
	fs.StringVar(&s.TempDir, "temp-dir", s.TempDir, "Directory for per-sample temporary files.")
	f.bindings["temp-dir"] = func(d, s *Opts) { d.TempDir = s.TempDir }
	fs.BoolVar(&s.BGZF, "bgzf", s.BGZF, "Write the output VCF bgzip-compressed.")
	f.bindings["bgzf"] = func(d, s *Opts) { d.BGZF = s.BGZF }
	fs.BoolVar(&s.XLSX, "xlsx", s.XLSX, "Also write the variant table as a spreadsheet.")
	f.bindings["xlsx"] = func(d, s *Opts) { d.XLSX = s.XLSX }
	return f
}

func (f *Flags) floatFlag(name string, p *float64, usage string, bind func(d, s *Opts)) {
	f.fs.Float64Var(p, name, *p, usage)
	f.bindings[name] = bind
}

func (f *Flags) intFlag(name string, p *int, usage string, bind func(d, s *Opts)) {
	f.fs.IntVar(p, name, *p, usage)
	f.bindings[name] = bind
}

// Apply copies the values of the flags set on the command line into o.
func (f *Flags) Apply(o *Opts) {
	f.fs.Visit(func(fl *flag.Flag) {
		if bind, ok := f.bindings[fl.Name]; ok {
			bind(o, &f.scratch)
		}
	})
}
