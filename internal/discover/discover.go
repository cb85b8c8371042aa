// Package discover finds recent papers in the catalog. Searchers talk to the
// catalog; Discoverer wraps a Searcher with the fallback query and the
// recency window, and never returns a transport error to its caller.
package discover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// Searcher queries the catalog for papers in any of the given categories,
// newest first, returning at most limit documents.
type Searcher interface {
	Search(ctx context.Context, filters []string, limit int) ([]paper.Document, error)
}

// DayResolver is implemented by searchers whose publish times carry only a
// date. The recency cutoff is then truncated to its UTC day.
type DayResolver interface {
	DayResolution() bool
}

// Outcome is the result of discovering one topic.
type Outcome struct {
	Documents    []paper.Document // inside the recency window
	Fetched      int              // returned by the catalog before the recency filter
	UsedFallback bool
	Err          error // last transport error, if any query failed
}

// Discoverer applies the fallback and recency rules around a Searcher.
type Discoverer struct {
	searcher Searcher
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithClock overrides the clock used for the recency window.
func WithClock(now func() time.Time) Option {
	return func(d *Discoverer) { d.now = now }
}

// WithTimeout bounds each catalog query.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Discoverer) { d.timeout = timeout }
}

// NewDiscoverer wraps searcher. window is the recency lookback, 7 days when zero.
func NewDiscoverer(searcher Searcher, window time.Duration, logger *zap.Logger, opts ...Option) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	d := &Discoverer{
		searcher: searcher,
		window:   window,
		now:      time.Now,
		log:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover runs the combined query for filters. If it fails, one more query
// with only the first filter is attempted; if that fails too the outcome is
// empty. Both paths apply the recency window.
func (d *Discoverer) Discover(ctx context.Context, filters []string, limit int) Outcome {
	if len(filters) == 0 || limit <= 0 {
		return Outcome{}
	}

	docs, err := d.search(ctx, filters, limit)
	if err == nil {
		recent := d.Recent(docs)
		d.log.Info("discovered papers",
			zap.Strings("filters", filters),
			zap.Int("fetched", len(docs)),
			zap.Int("recent", len(recent)))
		return Outcome{Documents: recent, Fetched: len(docs)}
	}

	d.log.Warn("catalog query failed, retrying with first filter only",
		zap.Strings("filters", filters), zap.Error(err))

	docs, ferr := d.search(ctx, filters[:1], limit)
	if ferr != nil {
		d.log.Error("fallback catalog query failed",
			zap.String("filter", filters[0]), zap.Error(ferr))
		return Outcome{UsedFallback: true, Err: ferr}
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}
	recent := d.Recent(docs)
	d.log.Info("discovered papers with fallback query",
		zap.String("filter", filters[0]),
		zap.Int("fetched", len(docs)),
		zap.Int("recent", len(recent)))
	return Outcome{Documents: recent, Fetched: len(docs), UsedFallback: true, Err: err}
}

func (d *Discoverer) search(ctx context.Context, filters []string, limit int) ([]paper.Document, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.searcher.Search(ctx, filters, limit)
}

// Recent keeps documents published at or after now minus the window. Both
// sides are compared in UTC; documents without a publish time are dropped.
func (d *Discoverer) Recent(docs []paper.Document) []paper.Document {
	cutoff := d.cutoff()
	var out []paper.Document
	for _, doc := range docs {
		if doc.Published.IsZero() {
			continue
		}
		if !doc.Published.UTC().Before(cutoff) {
			out = append(out, doc)
		}
	}
	return out
}

func (d *Discoverer) cutoff() time.Time {
	cutoff := d.now().UTC().Add(-d.window)
	if r, ok := d.searcher.(DayResolver); ok && r.DayResolution() {
		cutoff = cutoff.Truncate(24 * time.Hour)
	}
	return cutoff
}
