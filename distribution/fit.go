package distribution

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrDegenerate is the cause of errors returned by fits over fewer than two
// observations or observations with zero variance.  Such fits still return a
// usable, permissive model.
var ErrDegenerate = errors.New("degenerate distribution")

// IsDegenerate reports whether err was caused by a degenerate fit.
func IsDegenerate(err error) bool {
	return err != nil && errors.Cause(err) == ErrDegenerate
}

// DepthModel is a normal fit of per-position read depth.
type DepthModel struct {
	Mean  float64
	Stdev float64
	// N is the number of positions the model was fit on.
	N int64
	// Degenerate models accept every depth.
	Degenerate bool
}

// Band returns the acceptable depth interval, Mean ± nSigma·Stdev.
func (m DepthModel) Band(nSigma float64) (lo, hi float64) {
	if m.Degenerate {
		return math.Inf(-1), math.Inf(1)
	}
	return m.Mean - nSigma*m.Stdev, m.Mean + nSigma*m.Stdev
}

// Plausible reports whether depth falls in Band(nSigma).
func (m DepthModel) Plausible(depth uint32, nSigma float64) bool {
	lo, hi := m.Band(nSigma)
	d := float64(depth)
	return d >= lo && d <= hi
}

// FitDepth fits a normal distribution to the depth histogram by the method of
// moments: sample mean and (n-1)-normalized standard deviation.
func FitDepth(h *DepthHistogram) (DepthModel, error) {
	depths := h.Depths()
	x := make([]float64, len(depths))
	w := make([]float64, len(depths))
	var n int64
	for i, d := range depths {
		x[i] = float64(d)
		w[i] = float64(h.counts[d])
		n += h.counts[d]
	}
	return fitNormal(x, w, n, "depth")
}

func fitNormal(x, w []float64, n int64, what string) (DepthModel, error) {
	if n < 2 {
		m := DepthModel{N: n, Degenerate: true}
		if n == 1 {
			m.Mean = x[0]
		}
		return m, errors.Wrapf(ErrDegenerate, "%s fit over %d observation(s)", what, n)
	}
	mean, std := stat.MeanStdDev(x, w)
	m := DepthModel{Mean: mean, Stdev: std, N: n}
	if std == 0 || math.IsNaN(std) {
		m.Degenerate = true
		return m, errors.Wrapf(ErrDegenerate, "%s fit over %d observations has zero variance", what, n)
	}
	return m, nil
}

// StrandRatio is the forward-strand fraction of total depth.  A zero forward
// count is replaced by 0.5 so that the ratio has a finite logarithm.
func StrandRatio(fwd, total uint32) float64 {
	if fwd == 0 {
		return 0.5 / float64(total)
	}
	return float64(fwd) / float64(total)
}

// BiasModel is a log-normal fit of per-position strand ratios: ln(ratio) is
// normal with mean Mu and standard deviation Sigma.
type BiasModel struct {
	Mu    float64
	Sigma float64
	N     int64
	// Degenerate models accept every ratio.
	Degenerate bool
}

// PValue returns the two-sided probability of a strand ratio at least as
// extreme as fwd/total under the model.  Degenerate models and zero totals
// yield 1.
func (m BiasModel) PValue(fwd, total uint32) float64 {
	if m.Degenerate || total == 0 {
		return 1
	}
	z := (math.Log(StrandRatio(fwd, total)) - m.Mu) / m.Sigma
	p := 2 * math.Min(distuv.UnitNormal.CDF(z), distuv.UnitNormal.Survival(z))
	return math.Min(p, 1)
}

// FitBias fits a log-normal distribution to the strand ratios in h.
func FitBias(h *BiasHistogram) (BiasModel, error) {
	keys := h.keys()
	x := make([]float64, len(keys))
	w := make([]float64, len(keys))
	var n int64
	for i, k := range keys {
		x[i] = math.Log(StrandRatio(k.fwd, k.total))
		w[i] = float64(h.counts[k])
		n += h.counts[k]
	}
	m, err := fitNormal(x, w, n, "strand bias")
	return BiasModel{Mu: m.Mean, Sigma: m.Stdev, N: m.N, Degenerate: m.Degenerate}, err
}
