package fasta

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
)

// GenerateIndex generates an index (*.fai) from FASTA.  The index can be later
// used to recover sequence names and lengths without reading the FASTA file
// itself; see ReadIndex.
//
// The index format is defined by "samtool faidx"
// (http://www.htslib.org/doc/faidx.html).
func GenerateIndex(out io.Writer, in io.Reader) (err error) {
	var (
		tsvOut      = tsv.NewWriter(out)
		r           = bufio.NewReader(in)
		seqName     string
		seqStartOff int64
		totalBases  int
		lineBases   int
		lineWidth   int
		cumByte     int64
		eof         bool
	)

	setErr := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}
	flush := func() {
		tsvOut.WriteString(seqName)
		tsvOut.WriteInt64(int64(totalBases))
		tsvOut.WriteInt64(seqStartOff)
		tsvOut.WriteInt64(int64(lineBases))
		tsvOut.WriteInt64(int64(lineWidth))
		setErr(tsvOut.EndLine())
	}
	for !eof && err == nil {
		fullLine, e := r.ReadBytes('\n')
		if e == io.EOF { // Process fullLine, then exit the loop
			eof = true
		} else if e != nil {
			setErr(e)
		}
		cumByte += int64(len(fullLine))
		line := bytes.TrimRight(fullLine, "\r\n")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' { // Start a new sequence.
			if lineWidth != 0 {
				if seqName == "" {
					setErr(errors.E("malformed FASTA file"))
				}
				flush()
			}
			seqName = strings.Split(string(line[1:]), " ")[0]
			seqStartOff = cumByte
			lineWidth = 0
			lineBases = 0
			totalBases = 0
			continue
		}
		if lineWidth == 0 {
			lineWidth = len(fullLine)
			lineBases = len(line)
		}
		totalBases += len(line)
	}
	flush()
	setErr(tsvOut.Flush())
	if cumByte == 0 {
		setErr(errors.E("empty FASTA file"))
	}
	return
}

// IndexEntry is one row of a FASTA index.
type IndexEntry struct {
	Name      string
	Length    uint64
	Offset    int64
	LineBases int
	LineWidth int
}

type faiRow struct {
	Name      string
	Length    int64
	Offset    int64
	LineBases int64
	LineWidth int64
}

// ReadIndex parses a *.fai file.  Entries are returned in file order, which
// is also the order of the sequences in the FASTA file.
func ReadIndex(in io.Reader) ([]IndexEntry, error) {
	r := tsv.NewReader(in)
	var entries []IndexEntry
	seen := make(map[string]bool)
	for {
		var row faiRow
		err := r.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(err, "couldn't read FASTA index")
		}
		if seen[row.Name] {
			return nil, errors.E(errors.Invalid, "duplicate sequence name in FASTA index:", row.Name)
		}
		seen[row.Name] = true
		if row.Length < 0 {
			return nil, errors.E(errors.Invalid, "negative sequence length in FASTA index:", row.Name)
		}
		entries = append(entries, IndexEntry{
			Name:      row.Name,
			Length:    uint64(row.Length),
			Offset:    row.Offset,
			LineBases: int(row.LineBases),
			LineWidth: int(row.LineWidth),
		})
	}
	if len(entries) == 0 {
		return nil, errors.E(errors.Invalid, "empty FASTA index")
	}
	return entries, nil
}

// FaiToReferenceLengths reads in a FASTA index and returns a map of
// reference lengths by name.
func FaiToReferenceLengths(in io.Reader) (map[string]uint64, error) {
	entries, err := ReadIndex(in)
	if err != nil {
		return nil, err
	}
	lengths := make(map[string]uint64, len(entries))
	for _, e := range entries {
		lengths[e.Name] = e.Length
	}
	return lengths, nil
}
