package sample

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/cohortvar/distribution"
	"github.com/grailbio/cohortvar/indelrate"
	"github.com/grailbio/cohortvar/reference"
)

// InfoFile is the name of the sample info file in an output directory.
const InfoFile = "sample_info.txt"

// Artifact file suffixes, appended to "<sample>.".
const (
	DepthDistributionSuffix = "depth_distribution.txt"
	BiasDistributionSuffix  = "strand_bias_distribution.txt"
	FilteredSitesSuffix     = "filtered_sites.bed"
	IndelFitsSuffix         = "repeat_indel_fits.txt"
)

// ArtifactPath returns "<dir>/<sample>.<suffix>".
func ArtifactPath(dir, sample, suffix string) string {
	return filepath.Join(dir, sample+"."+suffix)
}

// Info is one row of the sample info file: the fitted distributions of a
// sample and the paths of its artifacts.  Paths are relative to the info
// file's directory unless absolute.
type Info struct {
	Sample
	Depth             distribution.DepthModel
	Bias              distribution.BiasModel
	DepthDistribution string
	BiasDistribution  string
	FilteredSites     string
	IndelFits         string
}

var infoColumns = []string{
	"sample", "role", "bam",
	"depth_mean", "depth_stdev", "depth_n", "depth_degenerate",
	"bias_mu", "bias_sigma", "bias_n", "bias_degenerate",
	"depth_distribution", "strand_bias_distribution", "filtered_sites", "repeat_indel_fits",
}

type infoRow struct {
	Name              string `tsv:"sample"`
	Role              string `tsv:"role"`
	BAM               string `tsv:"bam"`
	DepthMean         string `tsv:"depth_mean"`
	DepthStdev        string `tsv:"depth_stdev"`
	DepthN            int64  `tsv:"depth_n"`
	DepthDegenerate   string `tsv:"depth_degenerate"`
	BiasMu            string `tsv:"bias_mu"`
	BiasSigma         string `tsv:"bias_sigma"`
	BiasN             int64  `tsv:"bias_n"`
	BiasDegenerate    string `tsv:"bias_degenerate"`
	DepthDistribution string `tsv:"depth_distribution"`
	BiasDistribution  string `tsv:"strand_bias_distribution"`
	FilteredSites     string `tsv:"filtered_sites"`
	IndelFits         string `tsv:"repeat_indel_fits"`
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteInfo writes the sample info table.
func WriteInfo(w io.Writer, infos []Info) error {
	tw := tsv.NewWriter(w)
	for _, col := range infoColumns {
		tw.WriteString(col)
	}
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, info := range infos {
		tw.WriteString(info.Name)
		tw.WriteString(string(info.Role))
		tw.WriteString(info.BAM)
		tw.WriteString(formatFloat(info.Depth.Mean))
		tw.WriteString(formatFloat(info.Depth.Stdev))
		tw.WriteInt64(info.Depth.N)
		tw.WriteString(strconv.FormatBool(info.Depth.Degenerate))
		tw.WriteString(formatFloat(info.Bias.Mu))
		tw.WriteString(formatFloat(info.Bias.Sigma))
		tw.WriteInt64(info.Bias.N)
		tw.WriteString(strconv.FormatBool(info.Bias.Degenerate))
		tw.WriteString(info.DepthDistribution)
		tw.WriteString(info.BiasDistribution)
		tw.WriteString(info.FilteredSites)
		tw.WriteString(info.IndelFits)
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteInfoFile writes the sample info table to path.
func WriteInfoFile(ctx context.Context, path string, infos []Info) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "creating", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return WriteInfo(out.Writer(ctx), infos)
}

func parseFloats(dst []*float64, src []string) error {
	for i, s := range src {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst[i] = v
	}
	return nil
}

// ReadInfo parses a sample info table.
func ReadInfo(r io.Reader) ([]Info, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	var infos []Info
	for {
		var row infoRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "sample info")
		}
		role, err := ParseRole(row.Role)
		if err != nil {
			return nil, err
		}
		info := Info{
			Sample:            Sample{Name: row.Name, Role: role, BAM: row.BAM},
			DepthDistribution: row.DepthDistribution,
			BiasDistribution:  row.BiasDistribution,
			FilteredSites:     row.FilteredSites,
			IndelFits:         row.IndelFits,
		}
		info.Depth.N, info.Bias.N = row.DepthN, row.BiasN
		err = parseFloats(
			[]*float64{&info.Depth.Mean, &info.Depth.Stdev, &info.Bias.Mu, &info.Bias.Sigma},
			[]string{row.DepthMean, row.DepthStdev, row.BiasMu, row.BiasSigma})
		if err == nil {
			info.Depth.Degenerate, err = strconv.ParseBool(row.DepthDegenerate)
		}
		if err == nil {
			info.Bias.Degenerate, err = strconv.ParseBool(row.BiasDegenerate)
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "sample info for", row.Name)
		}
		infos = append(infos, info)
	}
	samples := make([]Sample, len(infos))
	for i := range infos {
		samples[i] = infos[i].Sample
	}
	if err := Validate(samples); err != nil {
		return nil, err
	}
	return infos, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// LoadModels reads the sample info file at path and the filtered-site and
// indel-fit artifacts it names.  A sample without a filtered-sites file gets
// a permissive mask; one without indel fits gets an empty rate table.
func LoadModels(ctx context.Context, path string, sizes *reference.ChromSizes, rateOpts indelrate.Opts) (models []*Model, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "sample info", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	infos, err := ReadInfo(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, path)
	}
	dir := filepath.Dir(path)
	models = make([]*Model, len(infos))
	err = traverse.Each(len(infos), func(i int) error {
		info := infos[i]
		m := &Model{Sample: info.Sample, Depth: info.Depth, Bias: info.Bias, Mask: distribution.PermissiveMask()}
		if info.FilteredSites != "" {
			mask, err := distribution.ReadMask(ctx, resolve(dir, info.FilteredSites), sizes)
			if err != nil {
				return errors.E(err, fmt.Sprintf("sample %s", info.Name))
			}
			if info.Depth.Degenerate {
				mask = distribution.PermissiveMask()
			}
			m.Mask = mask
		}
		m.Rates = indelrate.NewTable(nil, rateOpts)
		if info.IndelFits != "" {
			rates, err := readRates(ctx, resolve(dir, info.IndelFits))
			if err != nil {
				return errors.E(err, fmt.Sprintf("sample %s", info.Name))
			}
			m.Rates = rates
		}
		models[i] = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("sample: loaded %d models from %s", len(models), path)
	return models, nil
}

func readRates(ctx context.Context, path string) (t *indelrate.Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "indel fits", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if t, err = indelrate.Read(in.Reader(ctx)); err != nil {
		return nil, errors.E(err, path)
	}
	return t, nil
}
