package fasta

import (
	"bufio"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/pkg/errors"
)

var zeroSeed = [highwayhash.Size]byte{}

// digester hashes (name, sequence) pairs in file order.  Line breaks inside a
// sequence do not contribute, so two FASTA files that differ only in line
// width share a digest.
type digester struct {
	h hash.Hash
}

func newDigester() digester {
	h, err := highwayhash.New(zeroSeed[:])
	if err != nil {
		// Only possible with a key of the wrong length.
		panic(err)
	}
	return digester{h: h}
}

func (d digester) beginSeq(name string) {
	d.h.Write([]byte{'>'})
	io.WriteString(d.h, name)
	d.h.Write([]byte{'\n'})
}

func (d digester) addBases(bases string) {
	io.WriteString(d.h, bases)
}

func (d digester) add(name, seq string) {
	d.beginSeq(name)
	d.addBases(seq)
}

func (d digester) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// DigestReader computes the same digest as New(r).Digest() without holding
// the sequences in memory.
func DigestReader(r io.Reader) (string, error) {
	d := newDigester()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, bufferInitSize)
	started := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			d.beginSeq(strings.Split(line[1:], " ")[0])
			started = true
			continue
		}
		if !started {
			return "", errors.Errorf("malformed FASTA file: sequence data before first header")
		}
		d.addBases(line)
	}
	if err := scanner.Err(); err != nil {
		return "", errors.Wrap(err, "couldn't read FASTA data")
	}
	if !started {
		return "", errors.Errorf("empty FASTA file")
	}
	return d.sum(), nil
}
