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

package aggregate

import "fmt"

// Genotype is the call of one sample for one alternate allele.
type Genotype int

const (
	// NoCall means the sample lacks the depth for a call.
	NoCall Genotype = iota
	// Ref is homozygous reference.
	Ref
	// Het is heterozygous.
	Het
	// HomAlt is homozygous alternate.
	HomAlt
)

// String returns the VCF-style genotype for alternate allele 1.
func (g Genotype) String() string {
	return g.Alleles(1)
}

// Alleles renders g for the alternate allele with the given 1-based index.
func (g Genotype) Alleles(alt int) string {
	switch g {
	case Ref:
		return "0/0"
	case Het:
		return fmt.Sprintf("0/%d", alt)
	case HomAlt:
		return fmt.Sprintf("%d/%d", alt, alt)
	}
	return "./."
}

// Name is the long name used in tables.
func (g Genotype) Name() string {
	switch g {
	case Ref:
		return "reference"
	case Het:
		return "heterozygous"
	case HomAlt:
		return "homozygous-alt"
	}
	return "no-call"
}

// State is the last stage of the per-call state machine that was reached.
type State int

const (
	// Raw holds support counts only.
	Raw State = iota
	// DepthScreened has been checked against the depth mask.
	DepthScreened
	// BiasScreened has been checked against the strand-bias model.
	BiasScreened
	// RepeatScreened has been checked against the repeat indel rates.
	RepeatScreened
	// Classified has a genotype and a status.
	Classified
)

var stateNames = [...]string{"raw", "depth-screened", "bias-screened", "repeat-screened", "classified"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the verdict of a call relative to the control sample.
type Status int

const (
	// StatusControl marks the control sample's own calls.
	StatusControl Status = iota
	// StatusNoCall means the sample's depth is below the call threshold.
	StatusNoCall
	// StatusNoControl means the control has no call; the sample's genotype
	// is still reported.
	StatusNoControl
	// StatusReference means the sample's genotype matches the control's.
	StatusReference
	// StatusVariant is a confident difference from the control.
	StatusVariant
	// StatusLowConfidence is a difference that failed one soft screen and is
	// not strong enough to override it.
	StatusLowConfidence
	// StatusArtifact is a suppressed difference: a likely repeat artifact, or
	// one that failed two soft screens.
	StatusArtifact
	// StatusExcluded is a difference inside an excluded region.
	StatusExcluded
)

var statusNames = [...]string{
	"control", "no-call", "no-control", "reference", "variant", "low-confidence", "artifact", "excluded",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}
