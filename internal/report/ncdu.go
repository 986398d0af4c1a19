// Package report writes the ncdu export format, fed from the same
// path-ordered record stream as the du aggregation.
package report

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/idiv-biodiversity/mmdu/internal/policy"
)

// NcduWriter streams records into ncdu's JSON export format (major
// version 1, minor version 2). It relies on the same ordering
// guarantee as the aggregation engine: all records of a subtree arrive
// contiguously, so directories can be opened and closed with a stack
// instead of building the tree in memory.
type NcduWriter struct {
	w       *bufio.Writer
	root    []byte
	stack   [][]byte
	started bool
}

// NewNcduWriter returns a writer producing the export for a scan
// rooted at root. progname and progver identify the producer in the
// header.
func NewNcduWriter(w io.Writer, root []byte, progname, progver string) *NcduWriter {
	nw := &NcduWriter{
		w:    bufio.NewWriter(w),
		root: root,
	}

	fmt.Fprintf(nw.w, `[1,2,{"progname":%q,"progver":%q}`, progname, progver)

	return nw
}

// isUnder reports whether path lives at or beneath dir.
func isUnder(dir, path []byte) bool {
	if !bytes.HasPrefix(path, dir) {
		return false
	}

	if len(path) == len(dir) {
		return true
	}

	return dir[len(dir)-1] == '/' || path[len(dir)] == '/'
}

func basename(path []byte) []byte {
	if i := bytes.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}

	return path
}

// Add appends the next record in path order.
func (nw *NcduWriter) Add(rec policy.Record) error {
	if !nw.started {
		nw.started = true

		if bytes.Equal(rec.Path, nw.root) && rec.IsDir() {
			nw.openDir(nw.root, &rec)
			return nw.w.Flush()
		}

		nw.openDir(nw.root, nil)
	}

	for len(nw.stack) > 1 && !isUnder(nw.stack[len(nw.stack)-1], rec.Path) {
		nw.w.WriteByte(']')
		nw.stack = nw.stack[:len(nw.stack)-1]
	}

	if bytes.Equal(rec.Path, nw.stack[len(nw.stack)-1]) {
		// duplicate record for an already-open directory
		return nil
	}

	// open intermediate directories the scan never reported explicitly
	top := nw.stack[len(nw.stack)-1]
	for i := len(top) + 1; i < len(rec.Path); i++ {
		if rec.Path[i] == '/' {
			nw.openDir(rec.Path[:i], nil)
		}
	}

	if rec.IsDir() {
		nw.openDir(rec.Path, &rec)
	} else {
		nw.w.WriteString(",\n")
		nw.writeObject(basename(rec.Path), &rec)
	}

	return nw.w.Flush()
}

// openDir starts a nested directory array. A nil record means the
// directory was never reported explicitly and carries no own sizes.
func (nw *NcduWriter) openDir(path []byte, rec *policy.Record) {
	nw.w.WriteString(",\n[")

	name := basename(path)
	if len(nw.stack) == 0 {
		// the root element carries the full path
		name = path
	}

	nw.writeObject(name, rec)
	nw.stack = append(nw.stack, path)
}

func (nw *NcduWriter) writeObject(name []byte, rec *policy.Record) {
	nw.w.WriteString(`{"name":"`)
	nw.writeEscaped(name)
	nw.w.WriteByte('"')

	if rec != nil {
		fmt.Fprintf(nw.w, `,"asize":%d,"dsize":%d`, rec.FileSize, rec.AllocatedBytes())

		if rec.Nlink > 1 {
			fmt.Fprintf(nw.w, `,"nlink":%d,"ino":%d`, rec.Nlink, rec.Inode)
		}
	}

	nw.w.WriteByte('}')
}

// writeEscaped writes name as a JSON string body. Non-UTF-8 bytes pass
// through raw; ncdu reads its input permissively.
func (nw *NcduWriter) writeEscaped(name []byte) {
	for _, c := range name {
		switch {
		case c == '"' || c == '\\':
			nw.w.WriteByte('\\')
			nw.w.WriteByte(c)
		case c < 0x20:
			fmt.Fprintf(nw.w, `\u%04x`, c)
		default:
			nw.w.WriteByte(c)
		}
	}
}

// Close ends the export. A run without records still produces a valid
// document with an empty root.
func (nw *NcduWriter) Close() error {
	if !nw.started {
		nw.openDir(nw.root, nil)
	}

	for range nw.stack {
		nw.w.WriteByte(']')
	}
	nw.stack = nw.stack[:0]

	nw.w.WriteString("]\n")

	return nw.w.Flush()
}
