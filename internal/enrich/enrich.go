// Package enrich turns selected papers into analysis results: acquire the
// PDF, wait for the pacer, analyze, release.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/llm"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// FailurePrefix starts the analysis text of a document whose analysis
// failed.
const FailurePrefix = "**Paper Analysis Error**: "

// FailureText is the analysis recorded in place of a failed one.
func FailureText(err error) string {
	return FailurePrefix + err.Error()
}

// ArtifactStore provides a local copy of a paper for the analysis.
type ArtifactStore interface {
	Acquire(ctx context.Context, doc paper.Document) (string, error)
	Release(path string) error
}

// Request is one analysis call.
type Request struct {
	Document     paper.Document
	ArtifactPath string
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

type Status int

const (
	Analyzed Status = iota
	AnalysisFailed
	AcquireFailed
	// Interrupted documents were cut short by cancellation of the run. They
	// have no result and stay unknown to the history.
	Interrupted
)

func (s Status) String() string {
	switch s {
	case Analyzed:
		return "analyzed"
	case AnalysisFailed:
		return "analysis_failed"
	case AcquireFailed:
		return "acquire_failed"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome records what happened to one document.
type Outcome struct {
	Document paper.Document
	Status   Status
	Err      error
}

// Batch is the result of processing one topic's selection.
type Batch struct {
	Topic    string
	Results  []paper.Result
	Outcomes []Outcome
	Analyzed int
	Failed   int // analysis failed; still has a result
	Skipped  int // acquire failed; no result

	Interrupted int
}

var errEmptyAnalysis = errors.New("empty analysis")

// Orchestrator processes documents one at a time. Its pacer is shared by
// every Process call, so the spacing holds across topics.
type Orchestrator struct {
	artifacts  ArtifactStore
	analyzer   Analyzer
	pacer      *rate.Limiter
	docTimeout time.Duration
	log        *zap.Logger
}

// NewOrchestrator creates an orchestrator that starts analysis calls at
// least delay apart, the first one included. docTimeout bounds a single
// analysis; zero disables it.
func NewOrchestrator(artifacts ArtifactStore, analyzer Analyzer, delay, docTimeout time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		pacer = rate.NewLimiter(rate.Every(delay), 1)
		pacer.Allow()
	}
	return &Orchestrator{
		artifacts:  artifacts,
		analyzer:   analyzer,
		pacer:      pacer,
		docTimeout: docTimeout,
		log:        logger,
	}
}

// Process analyzes docs in order. Every acquired artifact is released
// whatever the analysis outcome.
func (o *Orchestrator) Process(ctx context.Context, topic string, docs []paper.Document) Batch {
	batch := Batch{Topic: topic}
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			for _, rest := range docs[i:] {
				batch.Outcomes = append(batch.Outcomes, Outcome{Document: rest, Status: Interrupted, Err: err})
			}
			batch.Interrupted += len(docs) - i
			o.log.Warn("processing interrupted",
				zap.String("topic", topic),
				zap.Int("remaining", len(docs)-i),
				zap.Error(err),
			)
			break
		}
		o.log.Info("processing paper",
			zap.String("topic", topic),
			zap.String("progress", fmt.Sprintf("%d/%d", i+1, len(docs))),
			zap.String("paper_id", doc.ID),
			zap.String("title", doc.Title),
		)

		out, res := o.processOne(ctx, topic, doc)
		batch.Outcomes = append(batch.Outcomes, out)
		switch out.Status {
		case Analyzed:
			batch.Analyzed++
		case AnalysisFailed:
			batch.Failed++
		case AcquireFailed:
			batch.Skipped++
		case Interrupted:
			batch.Interrupted++
		}
		if res != nil {
			batch.Results = append(batch.Results, *res)
		}
	}
	return batch
}

func (o *Orchestrator) processOne(ctx context.Context, topic string, doc paper.Document) (Outcome, *paper.Result) {
	path, err := o.artifacts.Acquire(ctx, doc)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Document: doc, Status: Interrupted, Err: ctx.Err()}, nil
		}
		o.log.Warn("paper not acquired, skipping", zap.String("paper_id", doc.ID), zap.Error(err))
		return Outcome{Document: doc, Status: AcquireFailed, Err: err}, nil
	}
	defer func() {
		if err := o.artifacts.Release(path); err != nil {
			o.log.Warn("artifact not released", zap.String("paper_id", doc.ID), zap.String("path", path), zap.Error(err))
		}
	}()

	text, err := o.analyze(ctx, doc, path)
	if err != nil && ctx.Err() != nil {
		// The run was cancelled, not this document's deadline.
		o.log.Warn("analysis interrupted", zap.String("paper_id", doc.ID), zap.Error(err))
		return Outcome{Document: doc, Status: Interrupted, Err: ctx.Err()}, nil
	}
	if err != nil {
		o.log.Error("analysis failed",
			zap.String("paper_id", doc.ID),
			zap.Bool("transient", errors.Is(err, llm.ErrTransient)),
			zap.Error(err),
		)
		res := paper.Result{Document: doc, Topic: topic, Analysis: FailureText(err), Failed: true}
		return Outcome{Document: doc, Status: AnalysisFailed, Err: err}, &res
	}

	o.log.Info("analysis complete", zap.String("paper_id", doc.ID))
	res := paper.Result{Document: doc, Topic: topic, Analysis: text}
	return Outcome{Document: doc, Status: Analyzed}, &res
}

func (o *Orchestrator) analyze(ctx context.Context, doc paper.Document, path string) (string, error) {
	if err := o.pacer.Wait(ctx); err != nil {
		return "", err
	}

	if o.docTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.docTimeout)
		defer cancel()
	}

	text, err := o.analyzer.Analyze(ctx, Request{Document: doc, ArtifactPath: path})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyAnalysis
	}
	return text, nil
}
