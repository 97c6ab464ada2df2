package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/cohortvar/config"
	"github.com/grailbio/cohortvar/pileup"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	o := config.Default()
	assert.NoError(t, o.Validate())
	expect.EQ(t, o.FlagExclude, "0xf04")
	expect.EQ(t, o.Filter(), pileup.DefaultFilter)
	expect.EQ(t, o.RepeatOpts().MinCount, 2)
	expect.EQ(t, o.AggregateOpts().MinCallDepth, 10)
	expect.True(t, o.Workers() > 0)
}

func TestLoad(t *testing.T) {
	ctx := vcontext.Background()
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	path := filepath.Join(tmpdir, "cohortvar.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("depth_n_sigma: 2.5\nmin_call_depth: 20\nxlsx: true\n"), 0644))
	t.Setenv("COHORTVAR_MIN_CALL_DEPTH", "25")
	t.Setenv("COHORTVAR_PARALLELISM", "3")

	o, err := config.Load(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, o.DepthNSigma, 2.5)
	// The environment overrides the file.
	expect.EQ(t, o.MinCallDepth, 25)
	expect.EQ(t, o.Workers(), 3)
	expect.True(t, o.XLSX)
	expect.EQ(t, o.HetMinFreq, config.Default().HetMinFreq)

	assert.NoError(t, os.WriteFile(path, []byte("depth_sigma: 2\n"), 0644))
	_, err = config.Load(ctx, path)
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))

	_, err = config.Load(ctx, filepath.Join(tmpdir, "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	o := config.Default()
	o.HetMinFreq = 0.95
	o.PseudoCount = 0
	o.FlagExclude = "zz"
	err := o.Validate()
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))
	for _, want := range []string{"het_min_freq", "pseudo_count", "invalid flag mask"} {
		expect.True(t, strings.Contains(err.Error(), want), "%v lacks %q", err, want)
	}
}

func TestFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	assert.NoError(t, fs.Parse([]string{"-min-call-depth=4", "-bgzf"}))

	o := config.Default()
	o.DepthNSigma = 5
	flags.Apply(&o)
	expect.EQ(t, o.MinCallDepth, 4)
	expect.True(t, o.BGZF)
	// Flags not given keep the loaded value.
	expect.EQ(t, o.DepthNSigma, 5.0)
}
