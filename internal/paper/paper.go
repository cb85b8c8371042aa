// Package paper defines the records that flow through a tracking run.
package paper

import (
	"strings"
	"time"
)

// Document is a paper discovered in the catalog.
type Document struct {
	ID         string // catalog identifier, may carry a version suffix
	Title      string
	Authors    []string
	Categories []string
	Published  time.Time // always UTC
	Link       string
	PDFLink    string
	Summary    string
}

// AuthorList returns the authors joined for display.
func (d Document) AuthorList() string {
	return strings.Join(d.Authors, ", ")
}

// CategoryList returns the categories joined for display.
func (d Document) CategoryList() string {
	return strings.Join(d.Categories, ", ")
}

// PublishedDate returns the publish date as YYYY-MM-DD.
func (d Document) PublishedDate() string {
	if d.Published.IsZero() {
		return ""
	}
	return d.Published.UTC().Format("2006-01-02")
}

// Result is the analysis produced for one document. Analysis holds either
// the analysis text or the failure sentinel; Failed marks the latter.
type Result struct {
	Document Document
	Topic    string
	Analysis string
	Failed   bool
}

// TopicGroup is the results of one topic in production order.
type TopicGroup struct {
	Topic   string
	Results []Result
}

// GroupByTopic groups results by topic label, keeping first-seen topic order
// and the original order within each topic.
func GroupByTopic(results []Result) []TopicGroup {
	var groups []TopicGroup
	index := make(map[string]int)
	for _, r := range results {
		i, ok := index[r.Topic]
		if !ok {
			i = len(groups)
			index[r.Topic] = i
			groups = append(groups, TopicGroup{Topic: r.Topic})
		}
		groups[i].Results = append(groups[i].Results, r)
	}
	return groups
}

// Count returns the total number of results across groups.
func Count(groups []TopicGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.Results)
	}
	return n
}
