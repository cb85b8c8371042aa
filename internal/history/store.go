// Package history owns the durable Markdown record of analyzed papers: it
// reads the set of known identifiers, removes duplicate entries and appends
// new run sections.
package history

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/identity"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// Store reads and writes the history file.
type Store struct {
	path       string
	domain     string
	windowDays int
	linkRe     *regexp.Regexp
	bareRe     *regexp.Regexp
	log        *zap.Logger
}

// NewStore creates a store for the history file at path. catalogDomain is the
// host used in abstract links, e.g. "arxiv.org".
func NewStore(path, catalogDomain string, windowDays int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Store{
		path:       path,
		domain:     catalogDomain,
		windowDays: windowDays,
		linkRe:     regexp.MustCompile(`https?://` + regexp.QuoteMeta(catalogDomain) + `/abs/([^)\s]+)`),
		bareRe:     regexp.MustCompile(`arxiv:([^)\s]+)`),
		log:        logger,
	}
}

// Path returns the history file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns every identifier mentioned in the history file, in raw and
// normalized form. A missing or unreadable file yields an empty set so the
// run proceeds as if nothing had been analyzed.
func (s *Store) Load() identity.Set {
	known := identity.NewSet()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("reading history failed, assuming no known papers",
				zap.String("path", s.path), zap.Error(err))
		}
		return known
	}

	text := string(data)
	for _, re := range []*regexp.Regexp{s.linkRe, s.bareRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			known.Add(m[1])
		}
	}
	s.log.Info("loaded analyzed papers", zap.Int("count", known.Len()), zap.String("path", s.path))
	return known
}

// CompactResult summarizes a compaction pass.
type CompactResult struct {
	Kept         int
	Removed      int
	Unidentified int
	RemovedIDs   []string
	Rewritten    bool
}

// Plan computes the compacted history without writing it.
func (s *Store) Plan() (*CompactResult, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &CompactResult{}, "", nil
		}
		return nil, "", fmt.Errorf("reading history: %w", err)
	}

	rec := Parse(string(data))
	res := &CompactResult{}
	seen := identity.NewSet()
	kept := make([]Block, 0, len(rec.Blocks))
	for _, blk := range rec.Blocks {
		if blk.Kind != Entry {
			kept = append(kept, blk)
			continue
		}
		id := s.entryID(blk.Text)
		switch {
		case id == "":
			res.Unidentified++
			res.Kept++
			kept = append(kept, blk)
		case seen.Contains(id):
			res.Removed++
			res.RemovedIDs = append(res.RemovedIDs, id)
			s.log.Info("removing duplicate history entry", zap.String("paper_id", id), zap.String("title", blk.Title))
		default:
			seen.Add(id)
			res.Kept++
			kept = append(kept, blk)
		}
	}
	rec.Blocks = kept
	return res, rec.String(), nil
}

// Compact removes entries whose identifier was already seen earlier in the
// file. Entries without a recoverable identifier are kept. The file is only
// rewritten when something was removed, and the rewrite replaces the file
// atomically.
func (s *Store) Compact() (*CompactResult, error) {
	res, text, err := s.Plan()
	if err != nil {
		return nil, err
	}
	if res.Removed == 0 {
		return res, nil
	}
	if err := writeFileAtomic(s.path, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("rewriting history: %w", err)
	}
	res.Rewritten = true
	s.log.Info("history compacted", zap.Int("removed", res.Removed), zap.Int("kept", res.Kept))
	return res, nil
}

// Append writes one dated run section for groups to the end of the history
// file, creating the file with its header when needed.
func (s *Store) Append(date string, groups []paper.TopicGroup) error {
	if paper.Count(groups) == 0 {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating history directory: %w", err)
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}
	section := s.Render(date, groups)
	if info.Size() == 0 {
		section = Header + section
	}
	if _, err := f.WriteString(section); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing history: %w", err)
	}
	s.log.Info("history updated", zap.String("path", s.path), zap.Int("count", paper.Count(groups)))
	return nil
}

// Stats describes the current history file.
type Stats struct {
	Entries      int
	UniquePapers int
	Duplicates   int
	SizeBytes    int64
}

// Stats parses the history file and counts its entries.
func (s *Store) Stats() (*Stats, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Stats{}, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}
	st := &Stats{SizeBytes: int64(len(data))}
	seen := identity.NewSet()
	for _, e := range Parse(string(data)).Entries() {
		st.Entries++
		id := s.entryID(e.Text)
		if id == "" {
			continue
		}
		if seen.Contains(id) {
			st.Duplicates++
			continue
		}
		seen.Add(id)
		st.UniquePapers++
	}
	return st, nil
}

// entryID returns the first identifier referenced by an entry, preferring
// the abstract link over the bare scheme form.
func (s *Store) entryID(text string) string {
	if m := s.linkRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := s.bareRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// writeFileAtomic writes data to a temporary file next to path, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
