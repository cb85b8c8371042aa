package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

const (
	arxivAbsURL = "https://arxiv.org/abs/"
	arxivPDFURL = "https://arxiv.org/pdf"
)

// APISearcher queries the arXiv export API, which answers with an Atom feed.
type APISearcher struct {
	baseURL string
	pdfBase string
	parser  *gofeed.Parser
	log     *zap.Logger
}

// NewAPISearcher creates a searcher for the export API at baseURL.
func NewAPISearcher(baseURL, pdfBase, userAgent string, client *http.Client, logger *zap.Logger) *APISearcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pdfBase == "" {
		pdfBase = arxivPDFURL
	}
	parser := gofeed.NewParser()
	parser.Client = client
	if userAgent != "" {
		parser.UserAgent = userAgent
	}
	return &APISearcher{
		baseURL: baseURL,
		pdfBase: strings.TrimSuffix(pdfBase, "/"),
		parser:  parser,
		log:     logger,
	}
}

// Search returns up to limit papers in any of filters, newest submission first.
func (a *APISearcher) Search(ctx context.Context, filters []string, limit int) ([]paper.Document, error) {
	queryURL := a.queryURL(filters, limit)
	a.log.Debug("querying arXiv API", zap.String("url", queryURL))

	feed, err := a.parser.ParseURLWithContext(queryURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("arXiv API query: %w", err)
	}

	docs := make([]paper.Document, 0, len(feed.Items))
	for _, item := range feed.Items {
		if strings.Contains(item.GUID, "/api/errors") {
			return nil, fmt.Errorf("arXiv API error: %s", strings.TrimSpace(item.Description))
		}
		doc, ok := a.documentFromItem(item)
		if !ok {
			continue
		}
		docs = append(docs, doc)
		if len(docs) >= limit {
			break
		}
	}
	return docs, nil
}

func (a *APISearcher) queryURL(filters []string, limit int) string {
	params := url.Values{}
	params.Set("search_query", BuildQuery(filters))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(limit))
	return a.baseURL + "?" + params.Encode()
}

// BuildQuery joins category filters into an arXiv search expression.
func BuildQuery(filters []string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, "cat:"+f)
	}
	return strings.Join(parts, " OR ")
}

func (a *APISearcher) documentFromItem(item *gofeed.Item) (paper.Document, bool) {
	id := ExtractID(item.GUID)
	if id == "" {
		id = ExtractID(item.Link)
	}
	title := collapse(item.Title)
	if id == "" || title == "" {
		return paper.Document{}, false
	}

	var published time.Time
	switch {
	case item.PublishedParsed != nil:
		published = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		published = item.UpdatedParsed.UTC()
	}

	authors := make([]string, 0, len(item.Authors))
	for _, p := range item.Authors {
		if p != nil && strings.TrimSpace(p.Name) != "" {
			authors = append(authors, strings.TrimSpace(p.Name))
		}
	}

	pdf := a.pdfBase + "/" + id
	for _, link := range item.Links {
		if strings.Contains(link, "/pdf/") {
			pdf = link
			break
		}
	}

	return paper.Document{
		ID:         id,
		Title:      title,
		Authors:    authors,
		Categories: append([]string(nil), item.Categories...),
		Published:  published,
		Link:       arxivAbsURL + id,
		PDFLink:    pdf,
		Summary:    collapse(item.Description),
	}, true
}

// ExtractID returns the identifier following "/abs/" in an arXiv URL, or an
// "arXiv:" prefixed identifier with the prefix removed.
func ExtractID(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "/abs/"); i >= 0 {
		s = s[i+len("/abs/"):]
	} else if len(s) > 6 && strings.EqualFold(s[:6], "arxiv:") {
		s = s[6:]
	} else {
		return ""
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "/")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
