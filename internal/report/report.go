// Package report renders the notification report and delivers it by mail.
package report

import (
	"fmt"
	"strings"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// Subject is the mail subject for the report of date (YYYY-MM-DD).
func Subject(date string) string {
	return "arXiv Paper Analysis Report - " + date
}

// RenderEmail renders the grouped results as the markdown notification
// report. absLink builds the catalog link for an identifier and is only used
// when a document carries no link of its own.
func RenderEmail(date string, groups []paper.TopicGroup, absLink func(id string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# arXiv Paper Analysis Report (%s)\n\n", date)
	for _, g := range groups {
		fmt.Fprintf(&b, "## %s\n\n", g.Topic)
		for _, r := range g.Results {
			doc := r.Document
			link := doc.Link
			if link == "" && absLink != nil {
				link = absLink(doc.ID)
			}
			fmt.Fprintf(&b, "### %s\n\n", doc.Title)
			fmt.Fprintf(&b, "**Authors**: %s\n", doc.AuthorList())
			fmt.Fprintf(&b, "**Categories**: %s\n", doc.CategoryList())
			fmt.Fprintf(&b, "**Published**: %s\n", doc.PublishedDate())
			fmt.Fprintf(&b, "**arXiv Link**: %s\n\n", link)
			fmt.Fprintf(&b, "%s\n\n", strings.TrimSpace(r.Analysis))
			b.WriteString("---\n\n")
		}
	}
	return b.String()
}
