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

// Package reference loads the reference assembly used by a cohort run, along
// with its samtools-style index and chromosome-size table.
package reference

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/cohortvar/encoding/fasta"
)

// Reference is an in-memory reference assembly.  Sequence names keep the
// order of the FASTA file, which is the canonical chromosome order for all
// outputs.
type Reference struct {
	fa    fasta.Fasta
	sizes *ChromSizes
}

// IndexPath returns the path of the .fai index for the given FASTA path.
func IndexPath(path string) string {
	return path + ".fai"
}

// StripExt removes the final extension of path, and also a trailing ".gz".
// "hg19.fa.gz" becomes "hg19", "ref.fasta" becomes "ref".
func StripExt(path string) string {
	path = strings.TrimSuffix(path, ".gz")
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// CheckIndex verifies that the auxiliary indices of the reference exist.
func CheckIndex(ctx context.Context, path string) error {
	if _, err := file.Stat(ctx, path); err != nil {
		return errors.E(errors.NotExist, err, "reference", path)
	}
	if _, err := file.Stat(ctx, IndexPath(path)); err != nil {
		if errors.Is(errors.NotExist, err) {
			return errors.E(errors.Precondition,
				"reference", path, "is not indexed; run bio-cohortvar index-reference first")
		}
		return errors.E(err, "reference index", IndexPath(path))
	}
	return nil
}

// Index writes the .fai index for the reference at path.
func Index(ctx context.Context, path string) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(errors.NotExist, err, "reference", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, compressed := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if compressed {
		// .fai offsets are byte offsets into a plain file.
		return errors.E(errors.Invalid, "cannot index compressed reference", path)
	}
	out, err := file.Create(ctx, IndexPath(path))
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = fasta.GenerateIndex(out.Writer(ctx), r); err != nil {
		return errors.E(err, "indexing", path)
	}
	log.Printf("wrote %s", IndexPath(path))
	return nil
}

// Load reads the reference at path into memory.  The reference must have been
// indexed, and the index must agree with the sequences.
func Load(ctx context.Context, path string) (ref *Reference, err error) {
	if err = CheckIndex(ctx, path); err != nil {
		return nil, err
	}
	sizes, err := ChromSizesFromIndex(ctx, IndexPath(path))
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	fa, err := fasta.New(r)
	if err != nil {
		return nil, errors.E(errors.Invalid, err, "reference", path)
	}
	names := fa.SeqNames()
	if len(names) != len(sizes.Names) {
		return nil, errors.E(errors.Precondition, "index", IndexPath(path), "is stale; rerun index-reference")
	}
	for i, name := range names {
		n, _ := fa.Len(name)
		if sizes.Names[i] != name || uint64(sizes.Lengths[name]) != n {
			return nil, errors.E(errors.Precondition, "index", IndexPath(path), "is stale; rerun index-reference")
		}
	}
	log.Printf("loaded reference %s: %d sequences", path, len(names))
	return &Reference{fa: fa, sizes: sizes}, nil
}

// New wraps an already parsed FASTA.
func New(fa fasta.Fasta) *Reference {
	sizes := &ChromSizes{Lengths: make(map[string]int)}
	for _, name := range fa.SeqNames() {
		n, _ := fa.Len(name)
		sizes.add(name, int(n))
	}
	return &Reference{fa: fa, sizes: sizes}
}

// Names returns the sequence names in reference order.
func (r *Reference) Names() []string { return r.sizes.Names }

// Len returns the length of the named sequence, or 0 if it is absent.
func (r *Reference) Len(name string) int { return r.sizes.Lengths[name] }

// Seq returns the full named sequence.
func (r *Reference) Seq(name string) (string, error) {
	n, err := r.fa.Len(name)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	return r.fa.Get(name, 0, n)
}

// Digest returns the content digest of the sequences.
func (r *Reference) Digest() string { return r.fa.Digest() }

// Sizes returns the chromosome sizes of the reference.
func (r *Reference) Sizes() *ChromSizes { return r.sizes }

// Digest computes the content digest of the reference at path without
// loading it.  It equals Load(path).Digest().
func Digest(ctx context.Context, path string) (digest string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return "", errors.E(errors.NotExist, err, "reference", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, _ := compress.NewReader(in.Reader(ctx))
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fasta.DigestReader(r)
}
