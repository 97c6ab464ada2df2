package bamprovider

import (
	"io"
	"sync"

	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// BAMProvider implements Provider for BAM files.  The path may be anything
// grailbio/base/file can open.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	err  errorreporter.T

	mu      sync.Mutex
	nActive int
	header  *sam.Header
}

type bamIterator struct {
	provider *BAMProvider
	in       file.File
	reader   *bam.Reader
	err      error
	rec      *sam.Record
	done     bool
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}

	ctx := vcontext.Background()
	reader, err := file.Open(ctx, b.Path)
	if err != nil {
		err = errors.E(errors.NotExist, err, "alignments", b.Path)
		b.err.Set(err)
		return nil, err
	}
	defer reader.Close(ctx) // nolint: errcheck
	bamReader, err := bam.NewReader(reader.Reader(ctx), 1)
	if err != nil {
		err = errors.E(errors.Invalid, err, "alignments", b.Path)
		b.err.Set(err)
		return nil, err
	}
	defer bamReader.Close() // nolint: errcheck
	b.header = bamReader.Header()
	return b.header, nil
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nActive > 0 {
		log.Panicf("%d iterators still active for %s", b.nActive, b.Path)
	}
	return b.err.Err()
}

// NewIterator implements the Provider interface.
func (b *BAMProvider) NewIterator() Iterator {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, b.Path)
	if err != nil {
		err = errors.E(errors.NotExist, err, "alignments", b.Path)
		b.err.Set(err)
		return NewErrorIterator(err)
	}
	reader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		in.Close(ctx) // nolint: errcheck
		err = errors.E(errors.Invalid, err, "alignments", b.Path)
		b.err.Set(err)
		return NewErrorIterator(err)
	}
	b.mu.Lock()
	b.nActive++
	if b.header == nil {
		b.header = reader.Header()
	}
	b.mu.Unlock()
	return &bamIterator{provider: b, in: in, reader: reader}
}

// Scan implements Iterator.
func (i *bamIterator) Scan() bool {
	if i.done || i.err != nil {
		return false
	}
	rec, err := i.reader.Read()
	if err != nil {
		i.done = true
		if err != io.EOF {
			i.err = errors.E(err, "reading", i.provider.Path)
		}
		return false
	}
	i.rec = rec
	return true
}

// Record implements Iterator.
func (i *bamIterator) Record() *sam.Record {
	return i.rec
}

// Err implements Iterator.
func (i *bamIterator) Err() error {
	return i.err
}

// Close implements Iterator.
func (i *bamIterator) Close() error {
	if err := i.reader.Close(); err != nil && i.err == nil {
		i.err = err
	}
	if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
		i.err = err
	}
	if i.err != nil {
		i.provider.err.Set(i.err)
	}
	i.provider.mu.Lock()
	i.provider.nActive--
	i.provider.mu.Unlock()
	return i.err
}
