// Package fetch extracts readable paper text from the catalog's HTML
// rendering.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
)

// minTextLen is the shortest extraction treated as real content.
const minTextLen = 100

// TextFetcher fetches full paper text via HTTP + readability extraction.
type TextFetcher struct {
	baseURL   string
	maxChars  int
	userAgent string
	client    *http.Client
	log       *zap.Logger
}

// NewTextFetcher creates a fetcher for <baseURL>/<id>. Extracted text is cut
// to maxChars runes; zero means no limit.
func NewTextFetcher(baseURL string, maxChars int, userAgent string, timeout time.Duration, logger *zap.Logger) *TextFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextFetcher{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		maxChars:  maxChars,
		userAgent: userAgent,
		log:       logger,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// FullText returns the readable text of the paper, or "" when the catalog
// has no usable rendering. Only transport and HTTP failures are errors.
func (f *TextFetcher) FullText(ctx context.Context, id string) (string, error) {
	pageURL := f.baseURL + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", pageURL, err)
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		f.log.Debug("no readable content", zap.String("paper_id", id), zap.Error(err))
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) <= minTextLen {
		return "", nil
	}
	return truncate(text, f.maxChars), nil
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("%d %s", e.code, http.StatusText(e.code))
}
