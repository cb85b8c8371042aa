package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/database"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/discover"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/enrich"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/history"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/identity"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/metrics"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/report"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/selection"
)

// ErrNoAnalyzer is returned by Run when no analysis backend is wired.
var ErrNoAnalyzer = errors.New("no analysis provider configured")

// ErrInterrupted is the step error of a run whose context was cancelled.
// Results that finished before the cancellation are still appended.
var ErrInterrupted = errors.New("run interrupted")

// deferredPreview is how many deferred papers are listed by title.
const deferredPreview = 3

type Discoverer interface {
	Discover(ctx context.Context, filters []string, limit int) discover.Outcome
}

type Enricher interface {
	Process(ctx context.Context, topic string, docs []paper.Document) enrich.Batch
}

type Notifier interface {
	Deliver(ctx context.Context, date, markdown string) bool
}

type Ledger interface {
	InsertRun(r database.RunRecord) error
}

// Deps are the collaborators of a pipeline. Enricher, Notifier, Ledger and
// Metrics may be nil.
type Deps struct {
	Discoverer Discoverer
	Enricher   Enricher
	Notifier   Notifier
	History    *history.Store
	Ledger     Ledger
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	Now        func() time.Time
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// TopicReport holds the counts of one topic in a run.
type TopicReport struct {
	Topic        string
	Fetched      int
	Found        int // inside the recency window
	Known        int
	New          int
	Selected     int
	Deferred     int
	Analyzed     int
	Failed       int
	Skipped      int
	Interrupted  int
	UsedFallback bool
	DiscoveryErr error

	SelectedDocs []paper.Document
	DeferredDocs []paper.Document
}

// Result holds the results of a full pipeline run.
type Result struct {
	RunID      string
	Date       string
	DryRun     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult
	Topics     []TopicReport
	Results    []paper.Result
	Compaction *history.CompactResult
	Notified   bool
}

// Err returns the first step error, if any.
func (r *Result) Err() error {
	for _, s := range r.Steps {
		if s.Err != nil {
			return s.Err
		}
	}
	return nil
}

// Totals sums the topic reports.
func (r *Result) Totals() TopicReport {
	t := TopicReport{Topic: "total"}
	for _, tr := range r.Topics {
		t.Fetched += tr.Fetched
		t.Found += tr.Found
		t.Known += tr.Known
		t.New += tr.New
		t.Selected += tr.Selected
		t.Deferred += tr.Deferred
		t.Analyzed += tr.Analyzed
		t.Failed += tr.Failed
		t.Skipped += tr.Skipped
		t.Interrupted += tr.Interrupted
	}
	return t
}

// Pipeline runs the tracking steps for every configured topic.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps, log: logger, now: now}
}

func (p *Pipeline) newResult(dryRun bool) *Result {
	started := p.now()
	return &Result{
		RunID:     uuid.NewString(),
		Date:      started.Format("2006-01-02"),
		DryRun:    dryRun,
		StartedAt: started,
	}
}

// Run executes lock, compact, load, the per-topic discover/select/enrich
// steps, then a single append and a single notification. Problems with one
// paper or one topic never stop the others.
func (p *Pipeline) Run(ctx context.Context) *Result {
	r := p.newResult(false)
	p.log.Info("run started", zap.String("run_id", r.RunID), zap.Int("topics", len(p.cfg.Topics)))

	if p.deps.Enricher == nil {
		r.Steps = append(r.Steps, StepResult{Name: "Setup", Err: ErrNoAnalyzer})
		return p.finish(r)
	}

	lock, step := p.runLock()
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return p.finish(r)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			p.log.Warn("releasing history lock", zap.Error(err))
		}
	}()

	r.Steps = append(r.Steps, p.runCompact(r))

	known, step := p.runLoad()
	r.Steps = append(r.Steps, step)

	for i, topic := range p.cfg.Topics {
		p.log.Info(fmt.Sprintf("Topic %d/%d: %s", i+1, len(p.cfg.Topics), topic.Label))
		tr, results := p.runTopic(ctx, topic, known)
		r.Topics = append(r.Topics, tr)
		r.Results = append(r.Results, results...)
		r.Steps = append(r.Steps, StepResult{Name: topic.Label, Summary: topicSummary(tr)})
		if ctx.Err() != nil {
			break
		}
	}
	interrupted := ctx.Err()

	groups := paper.GroupByTopic(r.Results)
	step = p.runAppend(r.Date, groups)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return p.finish(r)
	}
	if interrupted != nil {
		r.Steps = append(r.Steps, p.interruptedStep(r, interrupted))
		return p.finish(r)
	}

	step, r.Notified = p.runNotify(ctx, r.Date, groups)
	r.Steps = append(r.Steps, step)

	return p.finish(r)
}

// DryRun reports what Run would do: the compaction plan and, per topic,
// which papers would be analyzed. Nothing is analyzed, written or sent.
func (p *Pipeline) DryRun(ctx context.Context) *Result {
	r := p.newResult(true)

	plan, _, err := p.deps.History.Plan()
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Compact", Err: err})
	} else {
		r.Compaction = plan
		r.Steps = append(r.Steps, StepResult{
			Name:    "Compact",
			Summary: fmt.Sprintf("[dry-run] would remove %d duplicate entries", plan.Removed),
		})
	}

	known, step := p.runLoad()
	r.Steps = append(r.Steps, step)

	for _, topic := range p.cfg.Topics {
		if err := ctx.Err(); err != nil {
			r.Steps = append(r.Steps, p.interruptedStep(r, err))
			break
		}
		tr, sel := p.discoverAndSelect(ctx, topic, known)
		r.Topics = append(r.Topics, tr)
		for _, doc := range sel.Selected {
			known.Add(doc.ID)
		}
		r.Steps = append(r.Steps, StepResult{
			Name: topic.Label,
			Summary: fmt.Sprintf("[dry-run] %d found, %d known, would analyze %d, %d deferred",
				tr.Found, tr.Known, tr.Selected, tr.Deferred),
		})
	}

	return p.finish(r)
}

func (p *Pipeline) interruptedStep(r *Result, cause error) StepResult {
	done := len(r.Topics)
	p.log.Warn("run interrupted",
		zap.Int("topics_done", done),
		zap.Int("topics_total", len(p.cfg.Topics)),
		zap.Error(cause))
	return StepResult{
		Name:    "Interrupted",
		Summary: fmt.Sprintf("stopped after %d of %d topics", done, len(p.cfg.Topics)),
		Err:     fmt.Errorf("%w: %w", ErrInterrupted, cause),
	}
}

func (p *Pipeline) runLock() (*history.Lock, StepResult) {
	path := history.LockPath(p.deps.History.Path())
	lock, err := history.AcquireLock(path, p.cfg.History.LockTTL())
	if err != nil {
		p.log.Error("cannot start run", zap.Error(err))
		return nil, StepResult{Name: "Lock", Err: err}
	}
	return lock, StepResult{Name: "Lock", Summary: "acquired " + path}
}

func (p *Pipeline) runCompact(r *Result) StepResult {
	res, err := p.deps.History.Compact()
	if err != nil {
		// The rewrite is atomic, so a failure leaves the file as it was.
		p.log.Error("history compaction failed", zap.Error(err))
		return StepResult{Name: "Compact", Err: err}
	}
	r.Compaction = res
	if m := p.deps.Metrics; m != nil {
		m.ObserveCompaction(res.Removed)
	}
	return StepResult{
		Name:    "Compact",
		Summary: fmt.Sprintf("Removed %d duplicate entries, kept %d", res.Removed, res.Kept),
	}
}

func (p *Pipeline) runLoad() (identity.Set, StepResult) {
	known := p.deps.History.Load()
	p.log.Info("loaded history", zap.Int("count", known.Len()))
	return known, StepResult{Name: "Load", Summary: fmt.Sprintf("%d known identifiers", known.Len())}
}

func (p *Pipeline) discoverAndSelect(ctx context.Context, topic config.Topic, known identity.Set) (TopicReport, selection.Selection) {
	out := p.deps.Discoverer.Discover(ctx, topic.Filters, topic.SearchCap)
	sel := selection.Select(out.Documents, known, topic.AnalyzeCap)

	tr := TopicReport{
		Topic:        topic.Label,
		Fetched:      out.Fetched,
		Found:        len(out.Documents),
		Known:        len(sel.Known),
		New:          len(sel.New),
		Selected:     len(sel.Selected),
		Deferred:     len(sel.Deferred),
		UsedFallback: out.UsedFallback,
		DiscoveryErr: out.Err,
		SelectedDocs: sel.Selected,
		DeferredDocs: sel.Deferred,
	}

	for _, doc := range sel.Known {
		p.log.Debug("already analyzed, skipping", zap.String("topic", topic.Label), zap.String("paper_id", doc.ID))
	}
	p.log.Info("selected papers",
		zap.String("topic", topic.Label),
		zap.Int("new", tr.New),
		zap.Int("selected", tr.Selected),
		zap.Int("deferred", tr.Deferred))
	p.logDeferred(topic.Label, sel.Deferred)
	return tr, sel
}

func (p *Pipeline) runTopic(ctx context.Context, topic config.Topic, known identity.Set) (TopicReport, []paper.Result) {
	tr, sel := p.discoverAndSelect(ctx, topic, known)
	if sel.Empty() {
		p.log.Info("no new papers to analyze", zap.String("topic", topic.Label))
		p.observeTopic(tr)
		return tr, nil
	}

	batch := p.deps.Enricher.Process(ctx, topic.Label, sel.Selected)
	tr.Analyzed = batch.Analyzed
	tr.Failed = batch.Failed
	tr.Skipped = batch.Skipped
	tr.Interrupted = batch.Interrupted

	// A paper cross-listed under a later topic is not analyzed twice.
	for _, res := range batch.Results {
		known.Add(res.Document.ID)
	}
	p.observeTopic(tr)
	return tr, batch.Results
}

func (p *Pipeline) logDeferred(topic string, deferred []paper.Document) {
	if len(deferred) == 0 {
		return
	}
	p.log.Info("papers deferred to a later run", zap.String("topic", topic), zap.Int("count", len(deferred)))
	for i, doc := range deferred {
		if i == deferredPreview {
			p.log.Info(fmt.Sprintf("  ...and %d more", len(deferred)-deferredPreview), zap.String("topic", topic))
			break
		}
		p.log.Info(fmt.Sprintf("  %d. %s", i+1, doc.Title), zap.String("topic", topic), zap.String("paper_id", doc.ID))
	}
}

func (p *Pipeline) observeTopic(tr TopicReport) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	m.ObserveDocuments(tr.Topic, metrics.StageFound, tr.Found)
	m.ObserveDocuments(tr.Topic, metrics.StageKnown, tr.Known)
	m.ObserveDocuments(tr.Topic, metrics.StageNew, tr.New)
	m.ObserveDocuments(tr.Topic, metrics.StageSelected, tr.Selected)
	m.ObserveDocuments(tr.Topic, metrics.StageDeferred, tr.Deferred)
	m.ObserveDocuments(tr.Topic, metrics.StageAnalyzed, tr.Analyzed)
	m.ObserveDocuments(tr.Topic, metrics.StageFailed, tr.Failed)
	m.ObserveArtifactFailures(tr.Topic, tr.Skipped)
}

func (p *Pipeline) runAppend(date string, groups []paper.TopicGroup) StepResult {
	n := paper.Count(groups)
	if n == 0 {
		p.log.Info("no papers were analyzed")
		return StepResult{Name: "Append", Summary: "no papers were analyzed"}
	}
	if err := p.deps.History.Append(date, groups); err != nil {
		p.log.Error("writing history failed", zap.Error(err))
		return StepResult{Name: "Append", Err: err}
	}
	return StepResult{
		Name:    "Append",
		Summary: fmt.Sprintf("Wrote %d papers in %d topics to %s", n, len(groups), p.deps.History.Path()),
	}
}

func (p *Pipeline) runNotify(ctx context.Context, date string, groups []paper.TopicGroup) (StepResult, bool) {
	switch {
	case paper.Count(groups) == 0:
		return StepResult{Name: "Notify", Summary: "nothing to send"}, false
	case p.deps.Notifier == nil:
		return StepResult{Name: "Notify", Summary: "notification disabled"}, false
	}

	body := report.RenderEmail(date, groups, p.deps.History.AbsLink)
	sent := p.deps.Notifier.Deliver(ctx, date, body)
	if m := p.deps.Metrics; m != nil {
		m.ObserveNotification(sent)
	}
	if !sent {
		return StepResult{Name: "Notify", Summary: "report not sent"}, false
	}
	return StepResult{Name: "Notify", Summary: "report sent"}, true
}

// finish logs the summary and records the run in the ledger and metrics.
func (p *Pipeline) finish(r *Result) *Result {
	r.FinishedAt = p.now()
	p.logSummary(r)

	if l := p.deps.Ledger; l != nil {
		if err := l.InsertRun(p.ledgerRecord(r)); err != nil {
			p.log.Warn("recording run in ledger failed", zap.Error(err))
		}
	}

	if m := p.deps.Metrics; m != nil && !r.DryRun {
		m.ObserveRun(r.StartedAt, r.FinishedAt, r.Err() == nil)
		if path := p.cfg.Metrics.Textfile; path != "" {
			if err := m.WriteTextfile(path); err != nil {
				p.log.Warn("writing metrics failed", zap.Error(err))
			}
		}
	}
	return r
}

func (p *Pipeline) logSummary(r *Result) {
	for _, tr := range r.Topics {
		p.log.Info("topic summary", topicFields(tr)...)
	}
	t := r.Totals()
	fields := append(topicFields(t),
		zap.String("run_id", r.RunID),
		zap.Bool("dry_run", r.DryRun),
		zap.Duration("duration", r.FinishedAt.Sub(r.StartedAt)))
	if err := r.Err(); err != nil {
		p.log.Error("run finished with errors", append(fields, zap.Error(err))...)
		return
	}
	p.log.Info("run finished", fields...)
}

func topicFields(tr TopicReport) []zap.Field {
	return []zap.Field{
		zap.String("topic", tr.Topic),
		zap.Int("found", tr.Found),
		zap.Int("known", tr.Known),
		zap.Int("new", tr.New),
		zap.Int("analyzed", tr.Analyzed),
		zap.Int("failed", tr.Failed),
		zap.Int("skipped", tr.Skipped),
		zap.Int("deferred", tr.Deferred),
		zap.Int("interrupted", tr.Interrupted),
	}
}

func topicSummary(tr TopicReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d found, %d known, %d new: %d analyzed, %d failed, %d skipped, %d deferred",
		tr.Found, tr.Known, tr.New, tr.Analyzed, tr.Failed, tr.Skipped, tr.Deferred)
	if tr.Interrupted > 0 {
		fmt.Fprintf(&b, ", %d interrupted", tr.Interrupted)
	}
	if tr.UsedFallback {
		b.WriteString(" (fallback query)")
	}
	return b.String()
}

func (p *Pipeline) ledgerRecord(r *Result) database.RunRecord {
	t := r.Totals()
	rec := database.RunRecord{
		ID:          r.RunID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DryRun:      r.DryRun,
		Found:       t.Found,
		Known:       t.Known,
		New:         t.New,
		Analyzed:    t.Analyzed,
		Failed:      t.Failed,
		Deferred:    t.Deferred,
		Notified:    r.Notified,
		HistoryPath: p.deps.History.Path(),
	}
	for _, tr := range r.Topics {
		rec.Topics = append(rec.Topics, database.TopicRecord{
			Topic:        tr.Topic,
			Found:        tr.Found,
			Known:        tr.Known,
			New:          tr.New,
			Analyzed:     tr.Analyzed,
			Failed:       tr.Failed,
			Skipped:      tr.Skipped,
			Deferred:     tr.Deferred,
			UsedFallback: tr.UsedFallback,
		})
	}
	if !r.appended() {
		return rec
	}
	for _, res := range r.Results {
		rec.Papers = append(rec.Papers, database.PaperRecord{
			PaperID:      res.Document.ID,
			NormalizedID: identity.Normalize(res.Document.ID),
			Topic:        res.Topic,
			Title:        res.Document.Title,
			Published:    res.Document.PublishedDate(),
			Failed:       res.Failed,
		})
	}
	return rec
}

// appended reports whether the results reached the history file.
func (r *Result) appended() bool {
	for _, s := range r.Steps {
		if s.Name == "Append" {
			return s.Err == nil
		}
	}
	return false
}
