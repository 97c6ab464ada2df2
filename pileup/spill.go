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

package pileup

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/golang/snappy"
)

// The spill format stores total depth per chromosome so that a depth mask can
// be derived after the depth model is fit, without holding the whole genome
// in memory.  The stream is snappy-compressed and consists of one block per
// chromosome:
//
//   uvarint blockLen
//   block:  uvarint nameLen, name, uvarint length, uvarint nRuns,
//           nRuns x (uvarint depth, uvarint runLen)
//   uint64  seahash(block), little-endian
//
// Runs of equal depth are run-length encoded.

// SpillWriter writes chromosome depths to a spill stream.
type SpillWriter struct {
	w   *snappy.Writer
	buf bytes.Buffer
	tmp [binary.MaxVarintLen64]byte
}

// NewSpillWriter creates a SpillWriter on top of w.  The caller must Close it
// before closing w.
func NewSpillWriter(w io.Writer) *SpillWriter {
	return &SpillWriter{w: snappy.NewBufferedWriter(w)}
}

func (s *SpillWriter) putUvarint(v uint64) {
	n := binary.PutUvarint(s.tmp[:], v)
	s.buf.Write(s.tmp[:n])
}

// Write appends the total depth of one chromosome.
func (s *SpillWriter) Write(name string, depth []uint32) error {
	s.buf.Reset()
	s.putUvarint(uint64(len(name)))
	s.buf.WriteString(name)
	s.putUvarint(uint64(len(depth)))
	var runs [][2]uint64
	for i := 0; i < len(depth); {
		j := i + 1
		for j < len(depth) && depth[j] == depth[i] {
			j++
		}
		runs = append(runs, [2]uint64{uint64(depth[i]), uint64(j - i)})
		i = j
	}
	s.putUvarint(uint64(len(runs)))
	for _, r := range runs {
		s.putUvarint(r[0])
		s.putUvarint(r[1])
	}
	block := s.buf.Bytes()
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(block)))
	if _, err := s.w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := s.w.Write(block); err != nil {
		return err
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], seahash.Sum64(block))
	_, err := s.w.Write(sum[:])
	return err
}

// Close flushes buffered data.  It does not close the underlying writer.
func (s *SpillWriter) Close() error {
	return s.w.Close()
}

// SpillReader reads a stream written by SpillWriter.
type SpillReader struct {
	r     *bufio.Reader
	block []byte
	name  string
	depth []uint32
	err   error
}

// NewSpillReader creates a SpillReader on top of r.
func NewSpillReader(r io.Reader) *SpillReader {
	return &SpillReader{r: bufio.NewReader(snappy.NewReader(r))}
}

// Scan advances to the next chromosome.  It returns false at the end of the
// stream or on error.
func (s *SpillReader) Scan() bool {
	if s.err != nil {
		return false
	}
	blockLen, err := binary.ReadUvarint(s.r)
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = fmt.Errorf("spill: reading block length: %v", err)
		return false
	}
	if uint64(cap(s.block)) < blockLen {
		s.block = make([]byte, blockLen)
	}
	s.block = s.block[:blockLen]
	if _, err = io.ReadFull(s.r, s.block); err != nil {
		s.err = fmt.Errorf("spill: truncated block: %v", err)
		return false
	}
	var sum [8]byte
	if _, err = io.ReadFull(s.r, sum[:]); err != nil {
		s.err = fmt.Errorf("spill: truncated checksum: %v", err)
		return false
	}
	if binary.LittleEndian.Uint64(sum[:]) != seahash.Sum64(s.block) {
		s.err = fmt.Errorf("spill: checksum mismatch")
		return false
	}
	s.err = s.decode(bytes.NewReader(s.block))
	return s.err == nil
}

func (s *SpillReader) decode(r *bytes.Reader) error {
	nameLen, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("spill: %v", err)
	}
	name := make([]byte, nameLen)
	if _, err = io.ReadFull(r, name); err != nil {
		return fmt.Errorf("spill: %v", err)
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("spill: %v", err)
	}
	nRuns, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("spill: %v", err)
	}
	depth := make([]uint32, 0, length)
	for i := uint64(0); i < nRuns; i++ {
		d, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("spill: %v", err)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("spill: %v", err)
		}
		if uint64(len(depth))+n > length {
			return fmt.Errorf("spill: runs overflow chromosome %s", name)
		}
		for j := uint64(0); j < n; j++ {
			depth = append(depth, uint32(d))
		}
	}
	if uint64(len(depth)) != length {
		return fmt.Errorf("spill: chromosome %s has %d positions, want %d", name, len(depth), length)
	}
	s.name = string(name)
	s.depth = depth
	return nil
}

// Name returns the chromosome name of the current block.
func (s *SpillReader) Name() string { return s.name }

// Depth returns the total depths of the current block.
func (s *SpillReader) Depth() []uint32 { return s.depth }

// Err returns the first error encountered, if any.
func (s *SpillReader) Err() error { return s.err }
