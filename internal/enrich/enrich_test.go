package enrich

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/llm"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// fileStore writes a small file per acquired document into dir.
type fileStore struct {
	dir      string
	failFor  map[string]bool
	mu       sync.Mutex
	released []string
}

func (s *fileStore) Acquire(ctx context.Context, doc paper.Document) (string, error) {
	if s.failFor[doc.ID] {
		return "", errors.New("download refused")
	}
	path := filepath.Join(s.dir, doc.ID+".pdf")
	return path, os.WriteFile(path, []byte("%PDF-1.4 "+doc.ID), 0o644)
}

func (s *fileStore) Release(path string) error {
	s.mu.Lock()
	s.released = append(s.released, path)
	s.mu.Unlock()
	return os.Remove(path)
}

type funcAnalyzer func(ctx context.Context, req Request) (string, error)

func (f funcAnalyzer) Analyze(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

func docs(ids ...string) []paper.Document {
	var out []paper.Document
	for _, id := range ids {
		out = append(out, paper.Document{ID: id, Title: "Paper " + id})
	}
	return out
}

func TestProcessResilience(t *testing.T) {
	dir := t.TempDir()
	store := &fileStore{dir: dir}
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		_, err := os.Stat(req.ArtifactPath)
		require.NoError(t, err, "artifact must exist during analysis")
		if req.Document.ID == "2401.00002v1" {
			return "", errors.New("rate limited")
		}
		return "#### Executive Summary\nfine", nil
	})

	o := NewOrchestrator(store, analyzer, 0, time.Second, nil)
	batch := o.Process(context.Background(), "Security", docs("2401.00001v1", "2401.00002v1", "2401.00003v1"))

	require.Len(t, batch.Results, 3)
	assert.Equal(t, 2, batch.Analyzed)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, 0, batch.Skipped)

	assert.False(t, batch.Results[0].Failed)
	assert.Equal(t, "#### Executive Summary\nfine", batch.Results[0].Analysis)
	assert.True(t, batch.Results[1].Failed)
	assert.Equal(t, "**Paper Analysis Error**: rate limited", batch.Results[1].Analysis)
	assert.False(t, batch.Results[2].Failed)
	for _, r := range batch.Results {
		assert.Equal(t, "Security", r.Topic)
	}

	assert.Len(t, store.released, 3)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no artifacts may remain")
}

func TestProcessAcquireFailure(t *testing.T) {
	store := &fileStore{dir: t.TempDir(), failFor: map[string]bool{"b": true}}
	var analyzed []string
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		analyzed = append(analyzed, req.Document.ID)
		return "ok", nil
	})

	batch := NewOrchestrator(store, analyzer, 0, 0, nil).Process(context.Background(), "SE", docs("a", "b", "c"))

	assert.Equal(t, []string{"a", "c"}, analyzed)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, "a", batch.Results[0].Document.ID)
	assert.Equal(t, "c", batch.Results[1].Document.ID)
	assert.Equal(t, 1, batch.Skipped)

	require.Len(t, batch.Outcomes, 3)
	assert.Equal(t, AcquireFailed, batch.Outcomes[1].Status)
	assert.EqualError(t, batch.Outcomes[1].Err, "download refused")
	assert.Len(t, store.released, 2)
}

func TestProcessEmptyAnalysisFails(t *testing.T) {
	store := &fileStore{dir: t.TempDir()}
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) { return "  \n", nil })

	batch := NewOrchestrator(store, analyzer, 0, 0, nil).Process(context.Background(), "SE", docs("a"))
	require.Len(t, batch.Results, 1)
	assert.True(t, batch.Results[0].Failed)
	assert.Equal(t, FailurePrefix+"empty analysis", batch.Results[0].Analysis)
}

func TestProcessDocumentTimeout(t *testing.T) {
	store := &fileStore{dir: t.TempDir()}
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	batch := NewOrchestrator(store, analyzer, 0, 20*time.Millisecond, nil).Process(context.Background(), "SE", docs("slow"))
	require.Len(t, batch.Outcomes, 1)
	assert.Equal(t, AnalysisFailed, batch.Outcomes[0].Status)
	assert.ErrorIs(t, batch.Outcomes[0].Err, context.DeadlineExceeded)
	assert.Len(t, store.released, 1)
}

func TestProcessCancelledRunIsInterrupted(t *testing.T) {
	store := &fileStore{dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var analyzed []string
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		analyzed = append(analyzed, req.Document.ID)
		if req.Document.ID == "b" {
			cancel()
			return "", ctx.Err()
		}
		return "ok", nil
	})

	batch := NewOrchestrator(store, analyzer, 0, time.Second, nil).Process(ctx, "SE", docs("a", "b", "c"))

	assert.Equal(t, []string{"a", "b"}, analyzed)
	require.Len(t, batch.Results, 1, "only the finished document has a result")
	assert.Equal(t, "a", batch.Results[0].Document.ID)
	assert.Equal(t, 1, batch.Analyzed)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 2, batch.Interrupted)

	require.Len(t, batch.Outcomes, 3)
	assert.Equal(t, Interrupted, batch.Outcomes[1].Status)
	assert.ErrorIs(t, batch.Outcomes[1].Err, context.Canceled)
	assert.Equal(t, Interrupted, batch.Outcomes[2].Status)
	assert.Len(t, store.released, 2, "c is never acquired")
}

func TestProcessAlreadyCancelled(t *testing.T) {
	store := &fileStore{dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		t.Fatalf("analyzer called for %s", req.Document.ID)
		return "", nil
	})

	batch := NewOrchestrator(store, analyzer, 0, 0, nil).Process(ctx, "SE", docs("a", "b"))
	assert.Empty(t, batch.Results)
	assert.Equal(t, 2, batch.Interrupted)
	assert.Empty(t, store.released)
}

func TestPacerSharedAcrossTopics(t *testing.T) {
	const delay = 30 * time.Millisecond
	store := &fileStore{dir: t.TempDir()}
	var calls []time.Time
	analyzer := funcAnalyzer(func(ctx context.Context, req Request) (string, error) {
		calls = append(calls, time.Now())
		return "ok", nil
	})

	o := NewOrchestrator(store, analyzer, delay, 0, nil)
	start := time.Now()
	o.Process(context.Background(), "A", docs("a1", "a2"))
	o.Process(context.Background(), "B", docs("b1"))

	require.Len(t, calls, 3)
	assert.GreaterOrEqual(t, calls[0].Sub(start), delay-5*time.Millisecond, "first call waits too")
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), delay-5*time.Millisecond)
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "analyzed", Analyzed.String())
	assert.Equal(t, "analysis_failed", AnalysisFailed.String())
	assert.Equal(t, "acquire_failed", AcquireFailed.String())
	assert.Equal(t, "interrupted", Interrupted.String())
}

type captureProvider struct {
	attachments bool
	last        llm.Request
	reply       string
}

func (p *captureProvider) Generate(ctx context.Context, r llm.Request) (string, error) {
	p.last = r
	return p.reply, nil
}
func (p *captureProvider) IsConfigured() bool       { return true }
func (p *captureProvider) Name() string             { return "capture" }
func (p *captureProvider) AcceptsAttachments() bool { return p.attachments }

type staticText string

func (s staticText) FullText(ctx context.Context, id string) (string, error) { return string(s), nil }

func samplePaper() paper.Document {
	return paper.Document{
		ID:         "2401.00001v1",
		Title:      "Fuzzing Parsers",
		Authors:    []string{"Ada Lovelace", "Alan Turing"},
		Categories: []string{"cs.SE", "cs.CR"},
		Published:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Summary:    "We fuzz parsers.",
	}
}

func TestLLMAnalyzer(t *testing.T) {
	cfg := config.Analysis{SystemPrompt: "be a reviewer", MaxTokens: 512, Temperature: 0.3, AttachPDF: true}

	t.Run("prompt and settings", func(t *testing.T) {
		p := &captureProvider{reply: "review"}
		a := NewLLMAnalyzer(p, cfg, nil, nil)
		out, err := a.Analyze(context.Background(), Request{Document: samplePaper(), ArtifactPath: "/does/not/matter.pdf"})
		require.NoError(t, err)
		assert.Equal(t, "review", out)

		assert.Equal(t, "be a reviewer", p.last.System)
		assert.Equal(t, 512, p.last.MaxTokens)
		assert.InDelta(t, 0.3, p.last.Temperature, 1e-9)
		assert.Empty(t, p.last.Attachments, "provider without attachment support")
		assert.Contains(t, p.last.Prompt, "Paper Title: Fuzzing Parsers\n")
		assert.Contains(t, p.last.Prompt, "Authors: Ada Lovelace, Alan Turing\n")
		assert.Contains(t, p.last.Prompt, "Categories: cs.SE, cs.CR\n")
		assert.Contains(t, p.last.Prompt, "Published: 2024-01-02 03:04:05+00:00\n")
		assert.Contains(t, p.last.Prompt, "We fuzz parsers.")
	})

	t.Run("attaches pdf", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "2401.00001v1.pdf")
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))

		p := &captureProvider{attachments: true, reply: "review"}
		_, err := NewLLMAnalyzer(p, cfg, nil, nil).Analyze(context.Background(), Request{Document: samplePaper(), ArtifactPath: path})
		require.NoError(t, err)
		require.Len(t, p.last.Attachments, 1)
		assert.Equal(t, "application/pdf", p.last.Attachments[0].MIMEType)
		assert.Equal(t, "2401.00001v1.pdf", p.last.Attachments[0].Name)
		assert.Equal(t, []byte("%PDF-1.4"), p.last.Attachments[0].Data)
	})

	t.Run("unreadable pdf fails", func(t *testing.T) {
		p := &captureProvider{attachments: true}
		_, err := NewLLMAnalyzer(p, cfg, nil, nil).Analyze(context.Background(), Request{Document: samplePaper(), ArtifactPath: filepath.Join(t.TempDir(), "gone.pdf")})
		assert.Error(t, err)
	})

	t.Run("full text appended", func(t *testing.T) {
		p := &captureProvider{reply: "review"}
		_, err := NewLLMAnalyzer(p, cfg, staticText("Section 1. Introduction"), nil).Analyze(context.Background(), Request{Document: samplePaper()})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(strings.TrimSpace(p.last.Prompt), "Section 1. Introduction"))
	})
}
