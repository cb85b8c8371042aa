package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

// GeminiProvider calls the Gemini API through the genai SDK. It can read
// PDFs sent inline with the prompt.
type GeminiProvider struct {
	model  string
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: set GEMINI_API_KEY: %w", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini: model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return &GeminiProvider{model: strings.TrimSpace(cfg.Model), client: client}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

func (g *GeminiProvider) AcceptsAttachments() bool { return true }

func (g *GeminiProvider) IsConfigured() bool { return g.client != nil }

// Generate sends the prompt, and any attachments, as a single user turn.
func (g *GeminiProvider) Generate(ctx context.Context, r Request) (string, error) {
	parts := make([]*genai.Part, 0, len(r.Attachments)+1)
	for _, a := range r.Attachments {
		parts = append(parts, genai.NewPartFromBytes(a.Data, a.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(r.Prompt))

	gc := &genai.GenerateContentConfig{
		CandidateCount: 1,
		Temperature:    genai.Ptr(float32(r.Temperature)),
	}
	if r.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(r.MaxTokens)
	}
	if r.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(r.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		gc,
	)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", classifyErr(err))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini: empty response")
	}
	return text, nil
}

// classifyErr tags rate limits, server errors and temporary network
// failures with ErrTransient.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.code == 429 || se.code/100 == 5 {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}
