// Package aggregate turns the path-ordered record stream into
// per-directory usage totals.
//
// The engine keeps one open accumulator per path component between the
// scan root and the current record, so working memory is proportional
// to tree depth, not inventory size. A directory is finalized the
// moment the stream moves past its subtree.
package aggregate

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/idiv-biodiversity/mmdu/internal/policy"
)

// ErrOrdering reports a record that steps backwards behind the
// already-closed part of the tree. The streaming design cannot
// recover; continuing would misreport every closed directory.
var ErrOrdering = errors.New("path ordering violation")

// Acc accumulates usage of one directory and everything beneath it.
type Acc struct {
	Inodes    uint64
	Bytes     uint64 // apparent size
	Allocated uint64 // allocated size in bytes
}

func (a *Acc) add(rec *policy.Record) {
	a.Inodes++
	a.Bytes += rec.FileSize
	a.Allocated += rec.AllocatedBytes()
}

// Entry is one finalized directory total.
type Entry struct {
	Path  []byte
	Depth int
	Acc
}

// identity names a hard-linked object across all of its paths.
type identity struct {
	dev   uint64
	inode uint64
}

// DedupSet remembers hard-link identities seen during one run. It must
// not be shared between runs.
type DedupSet struct {
	seen map[identity]struct{}
}

// NewDedupSet returns an empty set.
func NewDedupSet() *DedupSet {
	return &DedupSet{seen: make(map[identity]struct{})}
}

// Seen records the identity and reports whether it had been seen
// before. The first caller wins.
func (s *DedupSet) Seen(dev, inode uint64) bool {
	id := identity{dev: dev, inode: inode}

	if _, ok := s.seen[id]; ok {
		return true
	}

	s.seen[id] = struct{}{}

	return false
}

// Options configure one aggregation run.
type Options struct {
	// Root is the scan root. Every record must live at or below it.
	Root []byte

	// MaxDepth is the deepest directory level emitted, relative to
	// Root. Deeper directories still aggregate into their ancestors.
	// Ignored when Summarize is set.
	MaxDepth int

	// Summarize suppresses everything except the root total.
	Summarize bool

	// CountLinks counts hard-linked objects once per path instead of
	// once per identity.
	CountLinks bool

	// OneFileSystem prunes subtrees on a device other than the scan
	// root's.
	OneFileSystem bool

	// Exclude prunes subtrees whose path matches any pattern.
	Exclude []glob.Glob
}

// frame is one open directory accumulator on the ancestor stack.
type frame struct {
	path  []byte
	depth int
	acc   Acc
}

// Aggregator is the streaming aggregation engine. It is driven by Add
// in path order and emits finalized entries deepest-first through the
// emit callback.
type Aggregator struct {
	opts  Options
	emit  func(Entry) error
	stack []frame
	dedup *DedupSet
	last  []byte
	skip  []byte // open pruned subtree, nil if none

	rootDev    uint64
	rootDevSet bool
}

// New returns an Aggregator for one run. Emitted entries are passed to
// emit; an emit error aborts the run.
func New(opts Options, emit func(Entry) error) *Aggregator {
	a := &Aggregator{
		opts:  opts,
		emit:  emit,
		dedup: NewDedupSet(),
	}

	a.stack = append(a.stack, frame{path: opts.Root, depth: 0})

	return a
}

// isUnder reports whether path equals dir or lives beneath it.
func isUnder(dir, path []byte) bool {
	if !bytes.HasPrefix(path, dir) {
		return false
	}

	if len(path) == len(dir) {
		return true
	}

	return dir[len(dir)-1] == '/' || path[len(dir)] == '/'
}

// Add feeds the next record in path order into the engine.
func (a *Aggregator) Add(rec policy.Record) error {
	path := rec.Path

	if a.last != nil && policy.ComparePaths(path, a.last) < 0 {
		return fmt.Errorf("%w: %q follows %q", ErrOrdering, path, a.last)
	}
	a.last = path

	if !isUnder(a.opts.Root, path) {
		return fmt.Errorf("record %q is outside scan root %q", path, a.opts.Root)
	}

	if !a.rootDevSet {
		a.rootDev = rec.Device
		a.rootDevSet = true
	}

	// inside an already pruned subtree?
	if a.skip != nil {
		if isUnder(a.skip, path) {
			return nil
		}
		a.skip = nil
	}

	// close directories the stream has moved past
	if err := a.popWhile(path); err != nil {
		return err
	}

	if a.excluded(path) || (a.opts.OneFileSystem && rec.Device != a.rootDev) {
		a.skip = path
		return nil
	}

	a.open(&rec)

	if !a.opts.CountLinks && rec.Nlink > 1 && a.dedup.Seen(rec.Device, rec.Inode) {
		// the path established its ancestors, the space is already
		// accounted for
		return nil
	}

	for i := range a.stack {
		a.stack[i].acc.add(&rec)
	}

	return nil
}

// popWhile finalizes stack entries that are not ancestors of path. The
// root frame stays open until Close.
func (a *Aggregator) popWhile(path []byte) error {
	for len(a.stack) > 1 {
		top := &a.stack[len(a.stack)-1]
		if isUnder(top.path, path) {
			break
		}

		if err := a.finalize(*top); err != nil {
			return err
		}

		a.stack = a.stack[:len(a.stack)-1]
	}

	return nil
}

// open pushes accumulators for every directory newly entered by rec,
// including rec itself if it is a directory. Intermediate directories
// the scan never reported explicitly get a frame of their own here.
func (a *Aggregator) open(rec *policy.Record) {
	path := rec.Path
	top := a.stack[len(a.stack)-1]

	for i := len(top.path) + 1; i < len(path); i++ {
		if path[i] == '/' {
			a.push(path[:i])
		}
	}

	if rec.IsDir() && len(path) > len(top.path) {
		a.push(path)
	}
}

func (a *Aggregator) push(dir []byte) {
	a.stack = append(a.stack, frame{
		path:  dir,
		depth: a.stack[len(a.stack)-1].depth + 1,
	})
}

// excluded reports whether path matches an exclusion pattern.
func (a *Aggregator) excluded(path []byte) bool {
	if len(a.opts.Exclude) == 0 {
		return false
	}

	s := string(path)
	for _, g := range a.opts.Exclude {
		if g.Match(s) {
			return true
		}
	}

	return false
}

// finalize emits a closed directory, subject to depth and summary
// configuration.
func (a *Aggregator) finalize(f frame) error {
	if a.opts.Summarize {
		if f.depth != 0 {
			return nil
		}
	} else if f.depth > a.opts.MaxDepth {
		return nil
	}

	return a.emit(Entry{Path: f.path, Depth: f.depth, Acc: f.acc})
}

// Close drains the remaining open directories, deepest first, ending
// with the scan root. An empty run emits a zero-sized root.
func (a *Aggregator) Close() error {
	for len(a.stack) > 0 {
		top := a.stack[len(a.stack)-1]
		if err := a.finalize(top); err != nil {
			return err
		}

		a.stack = a.stack[:len(a.stack)-1]
	}

	return nil
}
