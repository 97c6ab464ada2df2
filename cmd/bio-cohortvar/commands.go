package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cohortvar/config"
	"github.com/grailbio/cohortvar/pipeline"
	"github.com/grailbio/cohortvar/reference"
	"github.com/grailbio/cohortvar/repeats"
	"github.com/grailbio/cohortvar/sample"
	"v.io/x/lib/cmdline"
)

const configHelp = `YAML configuration file.  Keys are the snake_case option names, e.g.
"depth_n_sigma: 2.5".  Values are overridden by COHORTVAR_* environment
variables (e.g. COHORTVAR_DEPTH_N_SIGMA), which are overridden by flags.`

// commonFlags are shared by every subcommand that reads alignments or
// candidates.
type commonFlags struct {
	config     *string
	reference  *string
	chromSizes *string
	excluded   *string
	overrides  *config.Flags
}

func newCommonFlags(cmd *cmdline.Command) *commonFlags {
	return &commonFlags{
		config:     cmd.Flags.String("config", "", configHelp),
		reference:  cmd.Flags.String("reference", "", "Reference FASTA. It must have a .fai index; see index-reference."),
		chromSizes: cmd.Flags.String("chrom-sizes", "", "Optional chromosome size table (chrom<TAB>size). By default sizes come from the reference .fai."),
		excluded:   cmd.Flags.String("excluded-regions", "", "Optional BED file of regions excluded from fitting and flagged in the output."),
		overrides:  config.RegisterFlags(&cmd.Flags),
	}
}

// opts layers the defaults, the configuration file, the environment and the
// flags set on the command line, in that order.
func (f *commonFlags) opts(ctx context.Context) (config.Opts, error) {
	opts, err := config.Load(ctx, *f.config)
	if err != nil {
		return opts, err
	}
	f.overrides.Apply(&opts)
	return opts, opts.Validate()
}

func (f *commonFlags) load(ctx context.Context) (config.Opts, pipeline.Env, error) {
	opts, err := f.opts(ctx)
	if err != nil {
		return opts, pipeline.Env{}, err
	}
	if *f.reference == "" {
		return opts, pipeline.Env{}, errors.E(errors.Invalid, "-reference is required")
	}
	env, err := pipeline.LoadEnv(ctx, *f.reference, *f.chromSizes, *f.excluded, opts)
	return opts, env, err
}

func newCmdIndexReference() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "index-reference",
		Short:    "Write the .fai index and the repeat catalog of a reference FASTA",
		ArgsName: "fasta",
	}
	configPath := cmd.Flags.String("config", "", configHelp)
	overrides := config.RegisterFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("index-reference takes one FASTA path, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, err := config.Load(ctx, *configPath)
		if err != nil {
			return err
		}
		overrides.Apply(&opts)
		if err := opts.Validate(); err != nil {
			return err
		}
		return indexReference(ctx, argv[0], opts)
	})
	return cmd
}

func indexReference(ctx context.Context, path string, opts config.Opts) error {
	if err := reference.Index(ctx, path); err != nil {
		return err
	}
	ref, err := reference.Load(ctx, path)
	if err != nil {
		return err
	}
	catalog, err := repeats.LoadOrBuild(ctx, path, ref, opts.RepeatOpts())
	if err != nil {
		return err
	}
	log.Printf("indexed %s: %d chromosomes, %d repeats", path, len(ref.Names()), catalog.Len())
	return nil
}

func newCmdCharacterize() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "characterize",
		Short: "Fit per-sample depth, strand-bias and repeat indel models",
		Long: `Characterize reads the BAM of every sample in the manifest and writes
<out-dir>/sample_info.txt along with per-sample depth and strand-bias
distributions, filtered sites and repeat indel fits.`,
		ArgsName: "manifest",
	}
	common := newCommonFlags(cmd)
	outDir := cmd.Flags.String("out-dir", ".", "Output directory.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("characterize takes a manifest path, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, penv, err := common.load(ctx)
		if err != nil {
			return err
		}
		samples, err := sample.ReadManifest(ctx, argv[0])
		if err != nil {
			return err
		}
		_, err = pipeline.Characterize(ctx, samples, pipeline.CharacterizeOpts{Env: penv, Opts: opts, OutDir: *outDir})
		return err
	})
	return cmd
}

func newCmdCallVariants() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "call-variants",
		Short: "Classify candidate variants using characterized samples",
		Long: `Call-variants loads the models written by characterize and classifies
every candidate call against the control sample.  It writes
<out>.variants.txt and <out>.variants.vcf (.vcf.gz with -bgzf).`,
		ArgsName: "sample_info candidates.vcf",
	}
	common := newCommonFlags(cmd)
	out := cmd.Flags.String("out", "cohortvar", "Output path prefix.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("call-variants takes a sample info path and a candidate VCF, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, penv, err := common.load(ctx)
		if err != nil {
			return err
		}
		_, err = pipeline.CallVariants(ctx, argv[0], pipeline.CallOpts{
			Env:        penv,
			Opts:       opts,
			Candidates: argv[1],
			OutPrefix:  *out,
		})
		return err
	})
	return cmd
}

func newCmdRunPipeline() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run-pipeline",
		Short:    "Characterize samples and classify candidate variants in one run",
		ArgsName: "manifest candidates.vcf",
	}
	common := newCommonFlags(cmd)
	outDir := cmd.Flags.String("out-dir", ".", "Output directory for sample characterization.")
	out := cmd.Flags.String("out", "", "Output path prefix. Defaults to <out-dir>/cohortvar.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("run-pipeline takes a manifest and a candidate VCF, but got %v", argv)
		}
		ctx := vcontext.Background()
		opts, penv, err := common.load(ctx)
		if err != nil {
			return err
		}
		samples, err := sample.ReadManifest(ctx, argv[0])
		if err != nil {
			return err
		}
		prefix := *out
		if prefix == "" {
			prefix = filepath.Join(*outDir, "cohortvar")
		}
		_, err = pipeline.Run(ctx, samples, *outDir, pipeline.CallOpts{
			Env:        penv,
			Opts:       opts,
			Candidates: argv[1],
			OutPrefix:  prefix,
		})
		return err
	})
	return cmd
}
