package policy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformed reports a policy report line that cannot be decoded.
// Callers may skip the offending line and keep reading.
var ErrMalformed = errors.New("malformed policy record")

// pathSeparator splits the fixed policy fields from the path. GPFS
// emits it between the SHOW output and the file name.
var pathSeparator = []byte(" -- ")

// Record is one file system entry from an mmapplypolicy LIST report.
//
// Paths are opaque byte strings. They are decoded from the report's
// percent-escaping but never assumed to be valid text.
type Record struct {
	Inode       uint64
	Generation  uint64
	SnapshotID  uint64
	Mode        string
	Nlink       uint64
	FileSize    uint64
	KBAllocated uint64
	Device      uint64
	Path        []byte
}

// IsDir reports whether the entry is a directory.
func (r *Record) IsDir() bool {
	return len(r.Mode) > 0 && r.Mode[0] == 'd'
}

// AllocatedBytes returns the allocated size in bytes.
func (r *Record) AllocatedBytes() uint64 {
	return r.KBAllocated * 1024
}

// ParseLine decodes one report line of the form
//
//	<inode> <gen> <snapid>  <mode> <nlink> <filesize> <kballocated> <device> -- <path>
//
// as produced by the LIST rule from Rules. The returned Record owns its
// path bytes and does not alias line.
func ParseLine(line []byte) (Record, error) {
	sep := bytes.Index(line, pathSeparator)
	if sep < 0 {
		return Record{}, fmt.Errorf("%w: missing path separator", ErrMalformed)
	}

	fields := bytes.Fields(line[:sep])
	if len(fields) != 8 {
		return Record{}, fmt.Errorf("%w: expected 8 fields before path, got %d", ErrMalformed, len(fields))
	}

	var rec Record
	var err error

	numeric := []struct {
		name string
		dst  *uint64
		val  []byte
	}{
		{"inode", &rec.Inode, fields[0]},
		{"generation", &rec.Generation, fields[1]},
		{"snapshot id", &rec.SnapshotID, fields[2]},
		{"link count", &rec.Nlink, fields[4]},
		{"file size", &rec.FileSize, fields[5]},
		{"kb allocated", &rec.KBAllocated, fields[6]},
		{"device id", &rec.Device, fields[7]},
	}

	for _, f := range numeric {
		*f.dst, err = strconv.ParseUint(string(f.val), 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s %q is not a number", ErrMalformed, f.name, f.val)
		}
	}

	if rec.Nlink == 0 {
		return Record{}, fmt.Errorf("%w: link count must be positive", ErrMalformed)
	}

	rec.Mode = string(fields[3])

	raw := line[sep+len(pathSeparator):]
	if len(raw) == 0 {
		return Record{}, fmt.Errorf("%w: empty path", ErrMalformed)
	}

	rec.Path, err = unescapePath(raw)
	if err != nil {
		return Record{}, err
	}

	return rec, nil
}

// unescapePath decodes the report's ESCAPE '%' encoding. The result is
// always a fresh allocation so records may outlive the scanner buffer.
func unescapePath(raw []byte) ([]byte, error) {
	path := make([]byte, 0, len(raw))

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '%' {
			path = append(path, c)
			continue
		}

		if i+2 >= len(raw) {
			return nil, fmt.Errorf("%w: truncated %%-escape in path", ErrMalformed)
		}

		hi := unhex(raw[i+1])
		lo := unhex(raw[i+2])
		if hi < 0 || lo < 0 {
			return nil, fmt.Errorf("%w: invalid %%-escape %q in path", ErrMalformed, raw[i:i+3])
		}

		path = append(path, byte(hi<<4|lo))
		i += 2
	}

	return path, nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// ComparePaths orders paths component-wise: '/' sorts below every
// other byte, so all entries of a subtree stay contiguous. Plain byte
// order would slot "/a/b-x" between "/a/b" and "/a/b/c" and tear the
// subtree apart.
func ComparePaths(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		ca, cb := a[i], b[i]
		if ca == cb {
			continue
		}

		switch {
		case ca == '/':
			return -1
		case cb == '/':
			return 1
		case ca < cb:
			return -1
		default:
			return 1
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// ReportReader decodes records from one policy report stream.
type ReportReader struct {
	scanner *bufio.Scanner
	name    string
	line    int
}

// maxLineSize bounds a single report line; paths on GPFS max out at
// 4 KiB but SHOW output and escaping can inflate lines well beyond.
const maxLineSize = 1 << 20

// NewReportReader returns a reader decoding records from r. The name
// identifies the stream in diagnostics.
func NewReportReader(r io.Reader, name string) *ReportReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineSize)

	return &ReportReader{scanner: s, name: name}
}

// Next returns the next record. It returns io.EOF once the stream is
// drained. A malformed line yields an error wrapping ErrMalformed with
// the stream name and line number; reading may continue afterwards.
func (rr *ReportReader) Next() (Record, error) {
	for rr.scanner.Scan() {
		rr.line++

		line := rr.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec, err := ParseLine(line)
		if err != nil {
			return Record{}, fmt.Errorf("%s:%d: %w", rr.name, rr.line, err)
		}

		return rec, nil
	}

	if err := rr.scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("reading %s: %w", rr.name, err)
	}

	return Record{}, io.EOF
}
