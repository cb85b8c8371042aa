// Package artifact manages the transient PDF files a run downloads for
// analysis. A file lives from Acquire until Release.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
)

// ErrEmptyDownload is returned when the catalog answers with an empty body.
var ErrEmptyDownload = errors.New("empty download")

// Store downloads papers into a working directory.
type Store struct {
	dir       string
	pdfBase   string
	userAgent string
	client    *http.Client
	log       *zap.Logger
}

// NewStore creates a store rooted at dir. pdfBase is used when a document
// carries no PDF link of its own.
func NewStore(dir, pdfBase, userAgent string, client *http.Client, logger *zap.Logger) *Store {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:       dir,
		pdfBase:   strings.TrimSuffix(pdfBase, "/"),
		userAgent: userAgent,
		client:    client,
		log:       logger,
	}
}

// FileName maps an identifier to a safe file name, e.g. "cs/0112017v1"
// becomes "cs_0112017v1.pdf".
func FileName(id string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_").Replace(strings.TrimSpace(id))
	if name == "" || name == "." {
		name = "_"
	}
	return name + ".pdf"
}

// Path returns where the artifact for id is kept.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

// Acquire returns a local path holding the document's PDF. An existing file
// at that path is reused without downloading again.
func (s *Store) Acquire(ctx context.Context, doc paper.Document) (string, error) {
	path := s.Path(doc.ID)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		s.log.Debug("reusing downloaded paper", zap.String("paper_id", doc.ID), zap.String("path", path))
		return path, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}

	src := doc.PDFLink
	if src == "" {
		src = s.pdfBase + "/" + doc.ID
	}
	if err := s.download(ctx, src, path); err != nil {
		return "", fmt.Errorf("downloading %s: %w", doc.ID, err)
	}
	s.log.Info("downloaded paper", zap.String("paper_id", doc.ID), zap.String("path", path))
	return path, nil
}

func (s *Store) download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(s.dir, ".download-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		os.Remove(tmpName)
		return copyErr
	case closeErr != nil:
		os.Remove(tmpName)
		return closeErr
	case n == 0:
		os.Remove(tmpName)
		return ErrEmptyDownload
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Release deletes the artifact. A file that is already gone is not an error.
func (s *Store) Release(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("artifact already removed", zap.String("path", path))
			return nil
		}
		return fmt.Errorf("removing artifact: %w", err)
	}
	s.log.Debug("removed artifact", zap.String("path", path))
	return nil
}
