// Package stream combines the record streams of a multi-channel scan
// into a single path-ordered sequence.
package stream

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/idiv-biodiversity/mmdu/internal/policy"
)

// ErrUnordered reports a channel that violates its sortedness
// contract. Aggregation cannot recover from this, the run must abort.
var ErrUnordered = errors.New("unordered input")

// Source yields records from one scan output channel. Next returns
// io.EOF once the channel is drained.
type Source interface {
	Next() (policy.Record, error)
}

// cursor tracks the head record of one source inside the merge heap.
type cursor struct {
	src  Source
	head policy.Record
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	return policy.ComparePaths(h[i].head.Path, h[j].head.Path) < 0
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Merger performs a k-way merge over sources that are each internally
// sorted by path. Memory is bounded by the number of open sources.
// Each source is verified as it drains; a backward step yields
// ErrUnordered instead of silently corrupting downstream totals.
type Merger struct {
	srcs    []Source
	heap    cursorHeap
	started bool
}

// Merge returns a Merger over srcs.
func Merge(srcs ...Source) *Merger {
	return &Merger{srcs: srcs}
}

func (m *Merger) start() error {
	m.heap = make(cursorHeap, 0, len(m.srcs))

	for _, src := range m.srcs {
		rec, err := src.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}

		m.heap = append(m.heap, &cursor{src: src, head: rec})
	}

	heap.Init(&m.heap)
	m.started = true

	return nil
}

// Next returns the record with the smallest path across all sources,
// or io.EOF once every source is drained.
func (m *Merger) Next() (policy.Record, error) {
	if !m.started {
		if err := m.start(); err != nil {
			return policy.Record{}, err
		}
	}

	if len(m.heap) == 0 {
		return policy.Record{}, io.EOF
	}

	c := m.heap[0]
	rec := c.head

	next, err := c.src.Next()
	switch {
	case err == io.EOF:
		heap.Pop(&m.heap)
	case err != nil:
		return policy.Record{}, err
	default:
		if policy.ComparePaths(next.Path, rec.Path) < 0 {
			return policy.Record{}, fmt.Errorf(
				"%w: %q follows %q", ErrUnordered, next.Path, rec.Path,
			)
		}

		c.head = next
		heap.Fix(&m.heap, 0)
	}

	return rec, nil
}

// sliceSource replays an in-memory record slice.
type sliceSource struct {
	recs []policy.Record
	pos  int
}

func (s *sliceSource) Next() (policy.Record, error) {
	if s.pos >= len(s.recs) {
		return policy.Record{}, io.EOF
	}

	rec := s.recs[s.pos]
	s.pos++

	return rec, nil
}

// FromRecords returns a Source replaying recs in order.
func FromRecords(recs []policy.Record) Source {
	return &sliceSource{recs: recs}
}

// SortAll drains every source concurrently, sorts the combined record
// set by path and returns a source replaying it. This is the fallback
// strategy for channels without a sortedness guarantee; it buffers the
// entire inventory.
func SortAll(ctx context.Context, srcs ...Source) (Source, error) {
	g, gctx := errgroup.WithContext(ctx)

	parts := make([][]policy.Record, len(srcs))

	for i, src := range srcs {
		i, src := i, src

		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}

				rec, err := src.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}

				parts[i] = append(parts[i], rec)
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, part := range parts {
		total += len(part)
	}

	recs := make([]policy.Record, 0, total)
	for _, part := range parts {
		recs = append(recs, part...)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return policy.ComparePaths(recs[i].Path, recs[j].Path) < 0
	})

	return FromRecords(recs), nil
}

// prefetchItem carries one Next result across the channel hand-off.
type prefetchItem struct {
	rec policy.Record
	err error
}

type prefetchSource struct {
	ctx context.Context
	ch  <-chan prefetchItem
}

func (p *prefetchSource) Next() (policy.Record, error) {
	if err := p.ctx.Err(); err != nil {
		return policy.Record{}, err
	}

	select {
	case <-p.ctx.Done():
		return policy.Record{}, p.ctx.Err()
	case item, ok := <-p.ch:
		if !ok {
			return policy.Record{}, io.EOF
		}
		return item.rec, item.err
	}
}

// Prefetch reads ahead of src in a goroutine, buffering up to depth
// records. The goroutine exits on EOF, on the first read error, or
// when ctx is cancelled.
func Prefetch(ctx context.Context, src Source, depth int) Source {
	ch := make(chan prefetchItem, depth)

	go func() {
		defer close(ch)

		for {
			rec, err := src.Next()
			if err == io.EOF {
				return
			}

			select {
			case ch <- prefetchItem{rec: rec, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return &prefetchSource{ctx: ctx, ch: ch}
}
