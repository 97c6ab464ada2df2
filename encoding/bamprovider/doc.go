// Package bamprovider provides utilities for scanning a coordinate-sorted BAM
// file.
//
// The Provider is an interface for reading a BAM file one or more times, e.g.
// once for per-position depth and once more for repeat-spanning reads.
package bamprovider
