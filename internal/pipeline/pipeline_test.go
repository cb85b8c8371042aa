package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/database"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/discover"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/enrich"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/history"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/metrics"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

var now = time.Date(2025, 7, 8, 6, 0, 0, 0, time.UTC)

// fakeDiscoverer returns canned documents keyed by the first filter.
type fakeDiscoverer struct {
	docs  map[string][]paper.Document
	calls int
}

func (f *fakeDiscoverer) Discover(ctx context.Context, filters []string, limit int) discover.Outcome {
	f.calls++
	docs := f.docs[filters[0]]
	return discover.Outcome{Documents: docs, Fetched: len(docs)}
}

type nopArtifacts struct{}

func (nopArtifacts) Acquire(ctx context.Context, doc paper.Document) (string, error) {
	return "", nil
}
func (nopArtifacts) Release(path string) error { return nil }

// fakeAnalyzer fails for ids in fail and records every call. before, when
// set, runs first and its error is returned as the analysis error.
type fakeAnalyzer struct {
	fail   map[string]bool
	calls  []string
	before func(ctx context.Context, id string) error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req enrich.Request) (string, error) {
	f.calls = append(f.calls, req.Document.ID)
	if f.before != nil {
		if err := f.before(ctx, req.Document.ID); err != nil {
			return "", err
		}
	}
	if f.fail[req.Document.ID] {
		return "", errors.New("model overloaded")
	}
	return "#### Executive Summary\nAnalysis of " + req.Document.Title, nil
}

type fakeNotifier struct {
	bodies []string
	dates  []string
}

func (f *fakeNotifier) Deliver(ctx context.Context, date, markdown string) bool {
	f.dates = append(f.dates, date)
	f.bodies = append(f.bodies, markdown)
	return true
}

func doc(id, title string, age time.Duration) paper.Document {
	return paper.Document{
		ID:         id,
		Title:      title,
		Authors:    []string{"Ada Lovelace"},
		Categories: []string{"cs.SE"},
		Published:  now.Add(-age),
	}
}

type harness struct {
	t         *testing.T
	cfg       *config.Config
	dir       string
	disc      *fakeDiscoverer
	analyzer  *fakeAnalyzer
	notifier  *fakeNotifier
	db        *database.DB
	metrics   *metrics.Recorder
	history   *history.Store
	pipeline  *Pipeline
	historyFn string
}

func newHarness(t *testing.T, docs map[string][]paper.Document) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Topics: []config.Topic{
			{Label: "Software Engineering", Filters: []string{"cs.SE"}, SearchCap: 30, AnalyzeCap: 5},
			{Label: "Security", Filters: []string{"cs.CR"}, SearchCap: 30, AnalyzeCap: 5},
		},
		Discovery: config.Discovery{RecencyDays: 7},
		History: config.History{
			Path:           filepath.Join(dir, "conclusion.md"),
			CatalogDomain:  "arxiv.org",
			LockTTLMinutes: 60,
		},
		Metrics: config.Metrics{Textfile: filepath.Join(dir, "papertracker.prom")},
	}

	db, err := database.Open(filepath.Join(dir, "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:         t,
		cfg:       cfg,
		dir:       dir,
		disc:      &fakeDiscoverer{docs: docs},
		analyzer:  &fakeAnalyzer{fail: map[string]bool{}},
		notifier:  &fakeNotifier{},
		db:        db,
		metrics:   metrics.New(),
		history:   history.NewStore(cfg.History.Path, "arxiv.org", 7, nil),
		historyFn: cfg.History.Path,
	}
	h.pipeline = New(cfg, h.deps())
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Discoverer: h.disc,
		Enricher:   enrich.NewOrchestrator(nopArtifacts{}, h.analyzer, 0, time.Second, nil),
		Notifier:   h.notifier,
		History:    h.history,
		Ledger:     h.db,
		Metrics:    h.metrics,
		Now:        func() time.Time { return now },
	}
}

func (h *harness) historyText(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.historyFn)
	require.NoError(t, err)
	return string(data)
}

func TestRunEndToEnd(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation at Scale", time.Hour)},
		"cs.CR": {doc("2507.05300v2", "Side Channels Revisited", 2*time.Hour)},
	})

	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	assert.Equal(t, "2025-07-08", r.Date)
	assert.NotEmpty(t, r.RunID)

	text := h.historyText(t)
	assert.True(t, strings.HasPrefix(text, history.Header))
	assert.Equal(t, 1, strings.Count(text, "## arXiv Papers - Last 7 Days (as of 2025-07-08)"))
	assert.Equal(t, 1, strings.Count(text, "### Software Engineering\n"))
	assert.Equal(t, 1, strings.Count(text, "### Security\n"))
	assert.Contains(t, text, "**Link**: https://arxiv.org/abs/2507.05245v1")
	assert.Contains(t, text, "**Link**: https://arxiv.org/abs/2507.05300v2")
	assert.Less(t, strings.Index(text, "### Software Engineering"), strings.Index(text, "### Security"))

	require.Len(t, h.notifier.bodies, 1, "one notification per run")
	body := h.notifier.bodies[0]
	assert.Contains(t, body, "# arXiv Paper Analysis Report (2025-07-08)")
	assert.Contains(t, body, "## Software Engineering")
	assert.Contains(t, body, "## Security")
	assert.Contains(t, body, "**arXiv Link**: https://arxiv.org/abs/2507.05300v2")
	assert.True(t, r.Notified)

	_, err := os.Stat(history.LockPath(h.historyFn))
	assert.True(t, os.IsNotExist(err), "lock released")

	totals := r.Totals()
	assert.Equal(t, 2, totals.Analyzed)
	assert.Equal(t, 2, totals.New)

	last, err := h.db.GetLastRun()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, r.RunID, last.ID)
	assert.Equal(t, 2, last.Analyzed)
	assert.True(t, last.Notified)
	papers, err := h.db.GetRunPapers(r.RunID)
	require.NoError(t, err)
	require.Len(t, papers, 2)
	assert.Equal(t, "2507.05245", papers[0].NormalizedID)

	prom, err := os.ReadFile(h.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `papertracker_documents_total{stage="analyzed",topic="Security"} 1`)
}

func TestRunSecondRunFindsNothingNew(t *testing.T) {
	docs := map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation at Scale", time.Hour)},
		"cs.CR": {doc("2507.05300v2", "Side Channels Revisited", time.Hour)},
	}
	h := newHarness(t, docs)
	require.NoError(t, h.pipeline.Run(context.Background()).Err())
	first := h.historyText(t)

	// The catalog now reports a newer version of one paper.
	docs["cs.SE"] = []paper.Document{doc("2507.05245v2", "Test Generation at Scale", time.Hour)}
	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())

	assert.Equal(t, first, h.historyText(t), "history unchanged")
	assert.Len(t, h.notifier.bodies, 1, "no second notification")
	assert.Equal(t, 2, r.Totals().Known)
	assert.Len(t, h.analyzer.calls, 2)
}

func TestRunAnalysisFailureIsRecorded(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {
			doc("2507.00001v1", "First", time.Hour),
			doc("2507.00002v1", "Second", 2*time.Hour),
			doc("2507.00003v1", "Third", 3*time.Hour),
		},
	})
	h.analyzer.fail["2507.00002v1"] = true

	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	require.Len(t, r.Results, 3)

	text := h.historyText(t)
	assert.Contains(t, text, "**Paper Analysis Error**: model overloaded")
	assert.Contains(t, text, "Analysis of Third")
	assert.Contains(t, h.notifier.bodies[0], "**Paper Analysis Error**: model overloaded")

	assert.Equal(t, 2, r.Topics[0].Analyzed)
	assert.Equal(t, 1, r.Topics[0].Failed)
	assert.Equal(t, 0, r.Topics[1].Found)
}

func TestRunDefersBeyondCap(t *testing.T) {
	var docs []paper.Document
	for i := 1; i <= 8; i++ {
		docs = append(docs, doc(fmt.Sprintf("2507.0000%dv1", i), fmt.Sprintf("Paper %d", i), time.Duration(i)*time.Hour))
	}
	h := newHarness(t, map[string][]paper.Document{"cs.SE": docs})

	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())

	tr := r.Topics[0]
	assert.Equal(t, 8, tr.New)
	assert.Equal(t, 5, tr.Selected)
	assert.Equal(t, 3, tr.Deferred)
	assert.Equal(t, []string{"2507.00001v1", "2507.00002v1", "2507.00003v1", "2507.00004v1", "2507.00005v1"}, h.analyzer.calls)

	// The next run picks up the deferred papers.
	r = h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	assert.Equal(t, 3, r.Topics[0].Selected)
	assert.Equal(t, 0, r.Topics[0].Deferred)
}

func TestRunCrossListedPaperAnalyzedOnce(t *testing.T) {
	shared := doc("2507.09999v1", "Secure Software Supply Chains", time.Hour)
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {shared},
		"cs.CR": {shared},
	})

	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"2507.09999v1"}, h.analyzer.calls)
	assert.Equal(t, 1, r.Topics[1].Known)
}

func TestRunNoNewPapers(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{})

	r := h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	assert.Empty(t, h.notifier.bodies)
	_, err := os.Stat(h.historyFn)
	assert.True(t, os.IsNotExist(err), "no history written")
	assert.Equal(t, "no papers were analyzed", r.Steps[len(r.Steps)-2].Summary)
}

func TestRunLocked(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation", time.Hour)},
	})
	lock, err := history.AcquireLock(history.LockPath(h.historyFn), time.Hour)
	require.NoError(t, err)
	defer lock.Release()

	r := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, r.Err(), history.ErrLocked)
	assert.Equal(t, 0, h.disc.calls)
	assert.Empty(t, h.notifier.bodies)
}

func TestRunWithoutAnalyzer(t *testing.T) {
	h := newHarness(t, nil)
	deps := h.deps()
	deps.Enricher = nil

	r := New(h.cfg, deps).Run(context.Background())
	assert.ErrorIs(t, r.Err(), ErrNoAnalyzer)
	assert.Equal(t, 0, h.disc.calls)
}

func TestRunAppendFailureSkipsNotify(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation", time.Hour)},
	})
	// A directory where the history file should be makes every write fail.
	require.NoError(t, os.Mkdir(h.historyFn, 0o755))

	r := h.pipeline.Run(context.Background())
	require.Error(t, r.Err())
	assert.Empty(t, h.notifier.bodies)
	assert.False(t, r.appended())

	papers, err := h.db.GetRunPapers(r.RunID)
	require.NoError(t, err)
	assert.Empty(t, papers, "papers not in the history are not in the ledger")
}

// cancelAt makes the analyzer cancel the run while analyzing id.
func (h *harness) cancelAt(id string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)
	h.analyzer.before = func(ctx context.Context, got string) error {
		if got != id {
			return nil
		}
		cancel()
		return ctx.Err()
	}
	return ctx
}

func TestRunInterruptedDuringFirstAnalysis(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {
			doc("2507.00001v1", "A", time.Hour),
			doc("2507.00002v1", "B", 2*time.Hour),
		},
	})
	ctx := h.cancelAt("2507.00001v1")

	r := h.pipeline.Run(ctx)
	require.Error(t, r.Err())
	assert.ErrorIs(t, r.Err(), ErrInterrupted)
	assert.ErrorIs(t, r.Err(), context.Canceled)

	assert.Equal(t, []string{"2507.00001v1"}, h.analyzer.calls, "B never reaches the analyzer")
	assert.Equal(t, 1, h.disc.calls, "the second topic is not started")
	assert.Empty(t, r.Results)
	assert.Equal(t, 2, r.Topics[0].Interrupted)
	assert.Empty(t, h.notifier.bodies)

	known := h.history.Load()
	assert.False(t, known.Contains("2507.00001v1"))
	assert.False(t, known.Contains("2507.00002v1"))
	_, err := os.Stat(h.historyFn)
	assert.True(t, os.IsNotExist(err), "no failure sentinel written")
	assert.Equal(t, "Interrupted", r.Steps[len(r.Steps)-1].Name)
}

func TestRunInterruptedKeepsFinishedResults(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {
			doc("2507.00001v1", "A", time.Hour),
			doc("2507.00002v1", "B", 2*time.Hour),
			doc("2507.00003v1", "C", 3*time.Hour),
		},
		"cs.CR": {doc("2507.05300v1", "Side Channels", time.Hour)},
	})
	ctx := h.cancelAt("2507.00002v1")

	r := h.pipeline.Run(ctx)
	assert.ErrorIs(t, r.Err(), ErrInterrupted)
	require.Len(t, r.Results, 1)
	assert.Equal(t, 1, r.Topics[0].Analyzed)
	assert.Equal(t, 0, r.Topics[0].Failed)
	assert.Equal(t, 2, r.Topics[0].Interrupted)
	assert.Len(t, r.Topics, 1)
	assert.Empty(t, h.notifier.bodies)

	text := h.historyText(t)
	assert.Contains(t, text, "Analysis of A")
	assert.NotContains(t, text, "Paper Analysis Error")
	known := h.history.Load()
	assert.True(t, known.Contains("2507.00001v1"))
	assert.False(t, known.Contains("2507.00002v1"))
	assert.False(t, known.Contains("2507.00003v1"))

	papers, err := h.db.GetRunPapers(r.RunID)
	require.NoError(t, err)
	assert.Len(t, papers, 1)

	// The interrupted papers are picked up by the next run.
	h.analyzer.before = nil
	h.analyzer.calls = nil
	r = h.pipeline.Run(context.Background())
	require.NoError(t, r.Err())
	assert.Equal(t, []string{"2507.00002v1", "2507.00003v1", "2507.05300v1"}, h.analyzer.calls)
}

func TestDryRunInterrupted(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation", time.Hour)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := h.pipeline.DryRun(ctx)
	assert.ErrorIs(t, r.Err(), ErrInterrupted)
	assert.Equal(t, 0, h.disc.calls)
}

func TestDryRun(t *testing.T) {
	h := newHarness(t, map[string][]paper.Document{
		"cs.SE": {doc("2507.05245v1", "Test Generation", time.Hour), doc("2507.05246v1", "Fuzzing", 2*time.Hour)},
		"cs.CR": {doc("2507.05300v1", "Side Channels", time.Hour)},
	})
	require.NoError(t, os.WriteFile(h.historyFn, []byte(history.Header+
		"\n## arXiv Papers - Last 7 Days (as of 2025-07-01)\n\n### Security\n\n"+
		"#### Side Channels\n\n**Link**: https://arxiv.org/abs/2507.05300v1\n\nok\n\n---\n\n"), 0o644))
	before := h.historyText(t)

	r := h.pipeline.DryRun(context.Background())
	require.NoError(t, r.Err())
	assert.True(t, r.DryRun)

	require.Len(t, r.Topics, 2)
	assert.Equal(t, 2, r.Topics[0].Selected)
	assert.Equal(t, 1, r.Topics[1].Known)
	assert.Equal(t, 0, r.Topics[1].Selected)

	assert.Empty(t, h.analyzer.calls)
	assert.Empty(t, h.notifier.bodies)
	assert.Equal(t, before, h.historyText(t))
	_, err := os.Stat(h.cfg.Metrics.Textfile)
	assert.True(t, os.IsNotExist(err), "dry runs write no metrics")

	runs, err := h.db.GetRecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].DryRun)
}
