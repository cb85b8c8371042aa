// Package selection decides which discovered papers a run analyzes.
package selection

import (
	"sort"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/identity"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// Selection partitions one topic's candidates.
type Selection struct {
	Known    []paper.Document // already in the history, by raw or normalized id
	New      []paper.Document // not yet analyzed, newest first
	Selected []paper.Document // first analyzeCap of New
	Deferred []paper.Document // rest of New, left for a later run
}

// Select drops candidates whose identifier is in known, orders the rest by
// publish time (newest first, ties in discovery order) and splits them at
// analyzeCap. Duplicate candidates within the same batch are collapsed.
func Select(candidates []paper.Document, known identity.Set, analyzeCap int) Selection {
	var sel Selection
	batch := identity.NewSet()
	for _, doc := range candidates {
		switch {
		case known.Contains(doc.ID):
			sel.Known = append(sel.Known, doc)
		case batch.Contains(doc.ID):
		default:
			batch.Add(doc.ID)
			sel.New = append(sel.New, doc)
		}
	}

	sort.SliceStable(sel.New, func(i, j int) bool {
		return sel.New[i].Published.After(sel.New[j].Published)
	})

	n := analyzeCap
	if n < 0 {
		n = 0
	}
	if n > len(sel.New) {
		n = len(sel.New)
	}
	sel.Selected = sel.New[:n:n]
	sel.Deferred = sel.New[n:]
	return sel
}

// Empty reports whether nothing was selected for analysis. With a
// non-positive cap this holds even when New is not empty.
func (s Selection) Empty() bool {
	return len(s.Selected) == 0
}
