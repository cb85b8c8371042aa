package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/database"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/history"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Linkify))

// recentRuns is how many runs the index lists.
const recentRuns = 50

// Server is the HTTP server for browsing the run ledger and the history.
type Server struct {
	db      *database.DB
	history *history.Store
	pages   map[string]*template.Template
	router  chi.Router
	log     *zap.Logger
}

// New creates a new Server.
func New(db *database.DB, store *history.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"datetime": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
		"duration": func(d time.Duration) string { return d.Round(time.Second).String() },
		"kb":       func(n int64) string { return fmt.Sprintf("%.1f KB", float64(n)/1024) },
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so the "title" and "content"
	// blocks do not collide.
	pageNames := []string{"index.html", "run.html", "history.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, history: store, pages: pages, log: logger}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))
	r.Use(recoverMiddleware(s.log))

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	r.Get("/", s.handleIndex)
	r.Get("/runs/{id}", s.handleRun)
	r.Get("/history", s.handleHistory)
	r.Get("/healthz", s.healthz)

	s.router = r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRecentRuns(recentRuns)
	if err != nil {
		s.fail(w, "listing runs", err)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		s.fail(w, "reading ledger stats", err)
		return
	}
	hist, err := s.history.Stats()
	if err != nil {
		s.log.Warn("reading history stats", zap.Error(err))
	}

	s.render(w, "index.html", map[string]any{
		"Runs":        runs,
		"Stats":       stats,
		"History":     hist,
		"HistoryPath": s.history.Path(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.db.GetRun(id)
	if err != nil {
		s.fail(w, "loading run", err)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	papers, err := s.db.GetRunPapers(id)
	if err != nil {
		s.fail(w, "loading run papers", err)
		return
	}
	run.Papers = papers

	s.render(w, "run.html", map[string]any{
		"Run":        run,
		"AbsLink":    s.history.AbsLink,
		"HasResults": len(papers) > 0,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.history.Path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.fail(w, "reading history", err)
		return
	}
	s.render(w, "history.html", map[string]any{
		"Path":     s.history.Path(),
		"Markdown": string(data),
	})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Error("template not found", zap.String("template", name))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.fail(w, "rendering "+name, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve listens on localhost:port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("Server listening on http://%s", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	}
}
