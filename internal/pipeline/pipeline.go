// Package pipeline wires the scan output through parsing, merging,
// aggregation and formatting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/idiv-biodiversity/mmdu/internal/aggregate"
	"github.com/idiv-biodiversity/mmdu/internal/config"
	"github.com/idiv-biodiversity/mmdu/internal/format"
	"github.com/idiv-biodiversity/mmdu/internal/policy"
	"github.com/idiv-biodiversity/mmdu/internal/report"
	"github.com/idiv-biodiversity/mmdu/internal/scan"
	"github.com/idiv-biodiversity/mmdu/internal/stream"
)

// prefetchDepth is the per-channel read-ahead of the k-way merge.
const prefetchDepth = 512

// Pipeline runs scans and renders their results.
type Pipeline struct {
	Config   *config.Config
	Out      io.Writer
	Errout   io.Writer
	Progname string
	Progver  string
}

func (p *Pipeline) errout() io.Writer {
	if p.Errout != nil {
		return p.Errout
	}

	return os.Stderr
}

func (p *Pipeline) warn(formatStr string, args ...any) {
	if p.Config.Quiet {
		return
	}

	fmt.Fprintf(p.errout(), "mmdu: "+formatStr+"\n", args...)
}

// Run scans dir with the external policy engine and aggregates the
// resulting report files.
func (p *Pipeline) Run(ctx context.Context, dir string) error {
	rules := policy.Rules(policy.Filter{
		UserID:  p.Config.UserID(),
		GroupID: p.Config.GroupID(),
	})

	res, err := scan.Run(ctx, dir, scan.Options{
		PolicyText:    rules,
		RuleName:      policy.ListRuleName,
		Nodes:         p.Config.Nodes,
		LocalWorkDir:  p.Config.LocalWorkDir,
		GlobalWorkDir: p.Config.GlobalWorkDir,
		Verbose:       p.Config.Verbose,
		Stderr:        p.errout(),
	})
	if err != nil {
		return err
	}
	defer res.Close()

	files := make([]io.Reader, 0, len(res.Reports))
	names := make([]string, 0, len(res.Reports))
	closers := make([]io.Closer, 0, len(res.Reports))

	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, path := range res.Reports {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening report: %w", err)
		}

		files = append(files, f)
		names = append(names, path)
		closers = append(closers, f)
	}

	return p.Aggregate(ctx, dir, names, files...)
}

// Aggregate consumes raw report streams for a scan rooted at dir and
// writes the rendered result. It is the in-process half of Run, split
// out so report data can be fed directly.
func (p *Pipeline) Aggregate(ctx context.Context, dir string, names []string, inputs ...io.Reader) error {
	sources := make([]stream.Source, len(inputs))
	for i, input := range inputs {
		name := fmt.Sprintf("report %d", i)
		if i < len(names) {
			name = names[i]
		}

		sources[i] = p.lenient(policy.NewReportReader(input, name))
	}

	merged, err := p.merge(ctx, sources)
	if err != nil {
		return err
	}

	writer := format.NewWriter(p.Out, format.Options{
		Apparent:  p.Config.Apparent,
		SI:        p.Config.SI,
		BlockSize: p.Config.BlockSize,
		Bytes:     p.Config.Bytes,
		Inodes:    p.Config.Inodes,
		Threshold: p.Config.Threshold,
		Sort:      sortOrder(p.Config.SortOrder),
		NUL:       p.Config.NUL,
	})

	agg := aggregate.New(aggregate.Options{
		Root:          []byte(dir),
		MaxDepth:      p.Config.MaxDepth,
		Summarize:     p.Config.Summarize(),
		CountLinks:    p.Config.CountLinks,
		OneFileSystem: p.Config.OneFileSystem,
		Exclude:       p.Config.ExcludeGlobs(),
	}, writer.Write)

	var ncdu *report.NcduWriter
	if p.Config.NcduPath != "" {
		f, err := os.Create(p.Config.NcduPath)
		if err != nil {
			return fmt.Errorf("creating ncdu export: %w", err)
		}
		defer f.Close()

		ncdu = report.NewNcduWriter(f, []byte(dir), p.Progname, p.Progver)
	}

	for {
		rec, err := merged.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if err := agg.Add(rec); err != nil {
			return err
		}

		if ncdu != nil {
			if err := ncdu.Add(rec); err != nil {
				return fmt.Errorf("writing ncdu export: %w", err)
			}
		}
	}

	if err := agg.Close(); err != nil {
		return err
	}

	if ncdu != nil {
		if err := ncdu.Close(); err != nil {
			return fmt.Errorf("writing ncdu export: %w", err)
		}
	}

	return writer.Flush()
}

// merge combines the parsed sources per the configured strategy.
func (p *Pipeline) merge(ctx context.Context, sources []stream.Source) (stream.Source, error) {
	if p.Config.SortStrategy == config.StrategyFull {
		return stream.SortAll(ctx, sources...)
	}

	prefetched := make([]stream.Source, len(sources))
	for i, src := range sources {
		prefetched[i] = stream.Prefetch(ctx, src, prefetchDepth)
	}

	return stream.Merge(prefetched...), nil
}

// lenient wraps a report reader with the configured malformed-line
// policy: skip with a diagnostic by default, abort under --strict.
func (p *Pipeline) lenient(rr *policy.ReportReader) stream.Source {
	return &lenientSource{pipeline: p, reader: rr}
}

type lenientSource struct {
	pipeline *Pipeline
	reader   *policy.ReportReader
}

func (l *lenientSource) Next() (policy.Record, error) {
	for {
		rec, err := l.reader.Next()
		if err == nil || err == io.EOF {
			return rec, err
		}

		if errors.Is(err, policy.ErrMalformed) && !l.pipeline.Config.Strict {
			l.pipeline.warn("skipping record: %v", err)
			continue
		}

		return policy.Record{}, err
	}
}

func sortOrder(name string) format.Sort {
	switch name {
	case config.OrderAsc:
		return format.SortAsc
	case config.OrderDesc:
		return format.SortDesc
	default:
		return format.SortNone
	}
}
