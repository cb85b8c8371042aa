package discover

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

var (
	dateExpr    = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)
	subjectExpr = regexp.MustCompile(`\(([a-z][a-z\-]*(?:\.[A-Za-z\-]+)?)\)`)
)

// ListingSearcher scrapes the per-category "past week" listing pages. It is
// used when the export API is unavailable or rate limited.
type ListingSearcher struct {
	baseURL   string
	pdfBase   string
	userAgent string
	client    *http.Client
	log       *zap.Logger
}

// NewListingSearcher creates a scraper for listing pages under baseURL,
// e.g. https://arxiv.org/list.
func NewListingSearcher(baseURL, pdfBase, userAgent string, client *http.Client, logger *zap.Logger) *ListingSearcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pdfBase == "" {
		pdfBase = arxivPDFURL
	}
	return &ListingSearcher{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		pdfBase:   strings.TrimSuffix(pdfBase, "/"),
		userAgent: userAgent,
		client:    client,
		log:       logger,
	}
}

// Search merges the listings of every filter, newest first, up to limit.
func (l *ListingSearcher) Search(ctx context.Context, filters []string, limit int) ([]paper.Document, error) {
	var all []paper.Document
	seen := make(map[string]struct{})
	for _, cat := range filters {
		pageURL := fmt.Sprintf("%s/%s/pastweek?skip=0&show=%d", l.baseURL, cat, limit)
		doc, err := l.fetchDocument(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		for _, d := range l.extract(doc) {
			if _, ok := seen[d.ID]; ok {
				continue
			}
			seen[d.ID] = struct{}{}
			all = append(all, d)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Published.After(all[j].Published)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// DayResolution reports that listing dates have no time of day.
func (l *ListingSearcher) DayResolution() bool { return true }

func (l *ListingSearcher) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if l.userAgent != "" {
		req.Header.Set("User-Agent", l.userAgent)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arXiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}
	return doc, nil
}

func (l *ListingSearcher) extract(doc *goquery.Document) []paper.Document {
	var out []paper.Document
	doc.Find("dl > dt").Each(func(_ int, dt *goquery.Selection) {
		d, ok := l.parseEntry(dt, dt.Next())
		if !ok {
			l.log.Debug("skipping unparseable listing entry", zap.String("text", collapse(dt.Text())))
			return
		}
		out = append(out, d)
	})
	return out
}

func (l *ListingSearcher) parseEntry(dt, dd *goquery.Selection) (paper.Document, bool) {
	absLink := dt.Find(`a[href*="/abs/"]`).First()
	href, _ := absLink.Attr("href")
	id := ExtractID(href)
	if id == "" {
		id = ExtractID(strings.TrimSpace(absLink.Text()))
	}

	title := collapse(dd.Find(".list-title").First().Text())
	title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
	if id == "" || title == "" {
		return paper.Document{}, false
	}

	var authors []string
	dd.Find(".list-authors a").Each(func(_ int, a *goquery.Selection) {
		if name := collapse(a.Text()); name != "" {
			authors = append(authors, name)
		}
	})

	var categories []string
	for _, m := range subjectExpr.FindAllStringSubmatch(dd.Find(".list-subjects").First().Text(), -1) {
		categories = append(categories, m[1])
	}

	summary := collapse(dd.Find("p.mathjax").First().Text())

	return paper.Document{
		ID:         id,
		Title:      title,
		Authors:    authors,
		Categories: categories,
		Published:  listingDate(dt, dd),
		Link:       arxivAbsURL + id,
		PDFLink:    l.pdfBase + "/" + id,
		Summary:    strings.TrimSpace(strings.TrimPrefix(summary, "Abstract:")),
	}, true
}

// listingDate reads the entry's own date line when present, else the day
// header (h3) that precedes the entry on the page.
func listingDate(dt, dd *goquery.Selection) time.Time {
	candidates := []string{
		dd.Find(".list-date").First().Text(),
		dd.Find(".list-dateline").First().Text(),
		precedingHeader(dt),
		precedingHeader(dt.Parent()),
	}
	for _, text := range candidates {
		if match := dateExpr.FindString(text); match != "" {
			if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
				return parsed.UTC()
			}
		}
	}
	return time.Time{}
}

func precedingHeader(s *goquery.Selection) string {
	for prev := s.Prev(); prev.Length() > 0; prev = prev.Prev() {
		if goquery.NodeName(prev) == "h3" {
			return prev.Text()
		}
	}
	return ""
}
