package history

import (
	"fmt"
	"strings"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// Header is written once at the top of a new history file.
const Header = "# arXiv Paper Analysis History\n"

// Render formats one run section holding every topic group. The output is
// what Append writes and what Parse reads back as framing and entry blocks.
func (s *Store) Render(date string, groups []paper.TopicGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## arXiv Papers - Last %d Days (as of %s)\n\n", s.windowDays, date)
	for _, g := range groups {
		if len(g.Results) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n\n", oneLine(g.Topic))
		for _, r := range g.Results {
			s.renderEntry(&b, r)
		}
	}
	return b.String()
}

func (s *Store) renderEntry(b *strings.Builder, r paper.Result) {
	d := r.Document
	fmt.Fprintf(b, "#### %s\n\n", oneLine(d.Title))
	fmt.Fprintf(b, "**Authors**: %s\n", d.AuthorList())
	fmt.Fprintf(b, "**Categories**: %s\n", d.CategoryList())
	fmt.Fprintf(b, "**Published**: %s\n", d.PublishedDate())
	fmt.Fprintf(b, "**Link**: %s\n\n", s.AbsLink(d.ID))
	b.WriteString(sanitizeBody(r.Analysis))
	b.WriteString("\n\n" + separator + "\n\n")
}

// AbsLink returns the canonical abstract URL for id. The link line is what
// Load and Compact key on, so it is always rebuilt from the identifier.
func (s *Store) AbsLink(id string) string {
	return fmt.Sprintf("https://%s/abs/%s", s.domain, id)
}

// sanitizeBody keeps separator and run-header lines out of analysis text so
// the entry boundary stays unambiguous.
func sanitizeBody(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == separator:
			lines[i] = "- - -"
		case runHeader.MatchString(strings.TrimRight(line, "\r")):
			lines[i] = "#" + line
		}
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
