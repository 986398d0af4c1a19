// Package format renders aggregated directory totals in du-compatible
// text form.
package format

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/idiv-biodiversity/mmdu/internal/aggregate"
)

// Sort selects the final result ordering.
type Sort int

const (
	// SortNone streams entries in aggregation order (deepest first
	// within each subtree).
	SortNone Sort = iota

	// SortAsc orders by size ascending, ties broken by path.
	SortAsc

	// SortDesc orders by size descending, ties broken by path.
	SortDesc
)

// Options configure the rendering.
type Options struct {
	// Apparent selects the apparent size; otherwise the allocated
	// size is reported.
	Apparent bool

	// SI renders human-readable sizes with decimal instead of binary
	// units.
	SI bool

	// BlockSize, when non-zero, reports integral block counts
	// (rounded up) instead of human-readable sizes.
	BlockSize uint64

	// Bytes and Inodes select the printed fields. Both may be set.
	Bytes  bool
	Inodes bool

	// Threshold excludes entries from the output: positive keeps
	// sizes of at least Threshold bytes, negative keeps sizes of at
	// most -Threshold bytes. Zero keeps everything.
	Threshold int64

	// Sort buffers and reorders the result set. Sorting trades the
	// streaming memory bound for a full result buffer.
	Sort Sort

	// NUL terminates lines with a null byte instead of a newline.
	NUL bool
}

// Writer renders entries to an output sink.
type Writer struct {
	w       *bufio.Writer
	opts    Options
	scratch []byte
	buffer  []aggregate.Entry
}

// NewWriter returns a Writer rendering to w.
func NewWriter(w io.Writer, opts Options) *Writer {
	return &Writer{
		w:    bufio.NewWriter(w),
		opts: opts,
	}
}

func (fw *Writer) size(e *aggregate.Entry) uint64 {
	if fw.opts.Apparent {
		return e.Bytes
	}

	return e.Allocated
}

func (fw *Writer) keep(e *aggregate.Entry) bool {
	t := fw.opts.Threshold
	size := fw.size(e)

	switch {
	case t > 0:
		return size >= uint64(t)
	case t < 0:
		return size <= uint64(-t)
	default:
		return true
	}
}

// Write renders one entry, or buffers it when sorting is requested.
func (fw *Writer) Write(e aggregate.Entry) error {
	if !fw.keep(&e) {
		return nil
	}

	if fw.opts.Sort != SortNone {
		fw.buffer = append(fw.buffer, e)
		return nil
	}

	return fw.render(&e)
}

// Flush writes any buffered entries and flushes the sink.
func (fw *Writer) Flush() error {
	if fw.opts.Sort != SortNone {
		fw.sortBuffer()

		for i := range fw.buffer {
			if err := fw.render(&fw.buffer[i]); err != nil {
				return err
			}
		}

		fw.buffer = fw.buffer[:0]
	}

	return fw.w.Flush()
}

func (fw *Writer) sortBuffer() {
	desc := fw.opts.Sort == SortDesc

	sort.SliceStable(fw.buffer, func(i, j int) bool {
		si, sj := fw.size(&fw.buffer[i]), fw.size(&fw.buffer[j])

		if si != sj {
			if desc {
				return si > sj
			}
			return si < sj
		}

		return bytes.Compare(fw.buffer[i].Path, fw.buffer[j].Path) < 0
	})
}

// render writes one complete line with a single underlying write, so a
// cancelled run never leaves a torn line behind.
func (fw *Writer) render(e *aggregate.Entry) error {
	line := fw.scratch[:0]

	if fw.opts.Bytes {
		line = append(line, fw.sizeField(fw.size(e))...)
		line = append(line, '\t')
	}

	if fw.opts.Inodes {
		line = strconv.AppendUint(line, e.Inodes, 10)
		line = append(line, '\t')
	}

	line = append(line, e.Path...)

	if fw.opts.NUL {
		line = append(line, 0)
	} else {
		line = append(line, '\n')
	}

	fw.scratch = line

	_, err := fw.w.Write(line)
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	return nil
}

func (fw *Writer) sizeField(size uint64) string {
	if fw.opts.BlockSize > 0 {
		blocks := (size + fw.opts.BlockSize - 1) / fw.opts.BlockSize
		return strconv.FormatUint(blocks, 10)
	}

	return HumanSize(size, fw.opts.SI)
}

// HumanSize renders size the way du does: binary units shortened to a
// bare suffix (4.0K, 1.2G), or decimal units with --si (4.1k, 1.2G).
// Plain byte counts print without any suffix, as in du.
func HumanSize(size uint64, si bool) string {
	s := humanize.IBytes(size)
	if si {
		s = humanize.Bytes(size)
	}

	s = strings.ReplaceAll(s, "iB", "")
	s = strings.ReplaceAll(s, " ", "")

	return strings.TrimSuffix(s, "B")
}
