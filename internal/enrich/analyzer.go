package enrich

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/llm"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

const analysisPrompt = `Paper Title: %s
Authors: %s
Categories: %s
Published: %s

Please analyze this research paper and provide a CONCISE review in the following structured format. Keep each section brief and focused:

#### Executive Summary
Write 2-3 sentences summarizing the core problem, approach, and main result.

### Key Contributions
- List 2-3 main contributions (one line each)
- Focus on what's genuinely novel

### Method & Results
- Core methodology in 1-2 bullet points
- Key datasets/tools used (if any)
- Main experimental results (quantitative when possible)
- Performance compared to baselines (if reported)

### Impact & Limitations
- Practical significance (1-2 sentences)
- Main limitations or future work directions (1-2 points)

Keep the entire analysis under 200 words. Be precise and avoid redundancy. Use bullet points for clarity.
`

const abstractSection = `
Abstract:
%s
`

const fullTextSection = `
Paper text (may be truncated):
%s
`

// TextSource supplies extracted paper text.
type TextSource interface {
	FullText(ctx context.Context, id string) (string, error)
}

// LLMAnalyzer produces the structured review of a paper with an LLM.
type LLMAnalyzer struct {
	provider    llm.Provider
	system      string
	maxTokens   int
	temperature float64
	attachPDF   bool
	text        TextSource
	log         *zap.Logger
}

// NewLLMAnalyzer creates an analyzer. text may be nil; the PDF is attached
// only when cfg.AttachPDF is set and the provider reads attachments.
func NewLLMAnalyzer(provider llm.Provider, cfg config.Analysis, text TextSource, logger *zap.Logger) *LLMAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMAnalyzer{
		provider:    provider,
		system:      cfg.SystemPrompt,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		attachPDF:   cfg.AttachPDF && provider.AcceptsAttachments(),
		text:        text,
		log:         logger,
	}
}

// Analyze returns the analysis text for the document.
func (a *LLMAnalyzer) Analyze(ctx context.Context, req Request) (string, error) {
	doc := req.Document

	var fullText string
	if a.text != nil {
		t, err := a.text.FullText(ctx, doc.ID)
		if err != nil {
			a.log.Debug("full text unavailable", zap.String("paper_id", doc.ID), zap.Error(err))
		}
		fullText = t
	}

	r := llm.Request{
		System:      a.system,
		Prompt:      BuildPrompt(doc, fullText),
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	}

	if a.attachPDF && req.ArtifactPath != "" {
		data, err := os.ReadFile(req.ArtifactPath)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", req.ArtifactPath, err)
		}
		r.Attachments = []llm.Attachment{{
			Name:     filepath.Base(req.ArtifactPath),
			MIMEType: "application/pdf",
			Data:     data,
		}}
	}

	return a.provider.Generate(ctx, r)
}

// BuildPrompt renders the review request for doc. The abstract is included
// when known; fullText, if not empty, is appended after it.
func BuildPrompt(doc paper.Document, fullText string) string {
	published := ""
	if !doc.Published.IsZero() {
		published = doc.Published.UTC().Format("2006-01-02 15:04:05+00:00")
	}
	prompt := fmt.Sprintf(analysisPrompt, doc.Title, doc.AuthorList(), doc.CategoryList(), published)
	if doc.Summary != "" {
		prompt += fmt.Sprintf(abstractSection, doc.Summary)
	}
	if fullText != "" {
		prompt += fmt.Sprintf(fullTextSection, fullText)
	}
	return prompt
}
