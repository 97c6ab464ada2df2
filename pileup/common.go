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

// Package pileup accumulates per-position, per-strand read depth from
// coordinate-sorted alignments.
package pileup

import (
	"fmt"

	"github.com/grailbio/hts/sam"
)

// Common pileup components.

// DefaultFlagExclude drops unmapped, secondary, QC-failed, duplicate and
// supplementary records.
const DefaultFlagExclude = sam.Unmapped | sam.Secondary | sam.QCFail | sam.Duplicate | sam.Supplementary

// StrandType describes which strand a read is aligned to.
type StrandType int

const (
	// StrandFwd means the read is aligned to the forward strand.
	StrandFwd StrandType = iota
	// StrandRev means the read is aligned to the reverse strand.
	StrandRev
)

// GetStrand returns the strand the read is aligned to.
func GetStrand(samr *sam.Record) StrandType {
	if samr.Flags&sam.Reverse != 0 {
		return StrandRev
	}
	return StrandFwd
}

// Filter decides which alignment records contribute to pileups.
type Filter struct {
	// MinMapQ is the minimum mapping quality.
	MinMapQ int
	// FlagExclude drops records with any of these flags set.
	FlagExclude sam.Flags
}

// DefaultFilter is the filter used unless configured otherwise.
var DefaultFilter = Filter{MinMapQ: 0, FlagExclude: DefaultFlagExclude}

// Accept reports whether rec passes the filter.
func (f Filter) Accept(rec *sam.Record) bool {
	if rec.Ref == nil || rec.Pos < 0 {
		return false
	}
	if rec.Flags&f.FlagExclude != 0 {
		return false
	}
	return int(rec.MapQ) >= f.MinMapQ
}

// ParseFlags parses a flag mask given either in decimal or 0x-prefixed hex.
func ParseFlags(s string) (sam.Flags, error) {
	var v uint64
	if _, err := fmt.Sscan(s, &v); err != nil {
		return 0, fmt.Errorf("parseFlags: invalid flag mask %q: %v", s, err)
	}
	if v > 0xffff {
		return 0, fmt.Errorf("parseFlags: flag mask %q out of range", s)
	}
	return sam.Flags(v), nil
}
