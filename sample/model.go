package sample

import (
	"github.com/grailbio/cohortvar/distribution"
	"github.com/grailbio/cohortvar/indelrate"
)

// Model is the characterization of one sample.  Models are built once, by the
// characterization phase, and are never modified afterwards.
type Model struct {
	Sample
	Depth distribution.DepthModel
	Bias  distribution.BiasModel
	// Mask marks depth-implausible positions.
	Mask *distribution.Mask
	// Rates holds the repeat indel rates of the sample.
	Rates *indelrate.Table
}

// IsControl reports whether m is the control sample's model.
func (m *Model) IsControl() bool { return m.Role == Control }
