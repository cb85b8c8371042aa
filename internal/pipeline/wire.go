package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/artifact"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/database"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/discover"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/enrich"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/fetch"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/history"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/llm"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/metrics"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/report"
)

// Options adjust how FromConfig wires the pipeline.
type Options struct {
	// DryRun skips the analysis provider, so a missing key is not an error.
	DryRun bool
	// NoEmail leaves the notifier out.
	NoEmail bool
}

// NewHistoryStore creates the history store described by cfg.
func NewHistoryStore(cfg *config.Config, logger *zap.Logger) *history.Store {
	return history.NewStore(cfg.History.Path, cfg.History.CatalogDomain, cfg.Discovery.RecencyDays, logger)
}

// NewSearcher creates the catalog backend selected by discovery.backend.
func NewSearcher(cfg *config.Config, logger *zap.Logger) discover.Searcher {
	d := cfg.Discovery
	client := &http.Client{Timeout: d.Timeout()}
	if d.Backend == "listing" {
		return discover.NewListingSearcher(d.ListingURL, cfg.Artifacts.PDFURL, d.UserAgent, client, logger)
	}
	return discover.NewAPISearcher(d.APIURL, cfg.Artifacts.PDFURL, d.UserAgent, client, logger)
}

// FromConfig wires the production collaborators. db may be nil, in which
// case runs are not recorded in the ledger.
func FromConfig(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger, opts Options) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	deps := Deps{
		Discoverer: discover.NewDiscoverer(
			NewSearcher(cfg, logger.Named("discover")),
			cfg.Discovery.RecencyWindow(),
			logger.Named("discover"),
			discover.WithTimeout(cfg.Discovery.Timeout()),
		),
		History: NewHistoryStore(cfg, logger.Named("history")),
		Metrics: metrics.New(),
		Logger:  logger,
	}
	if db != nil {
		deps.Ledger = db
	}

	if !opts.DryRun {
		provider, err := llm.CreateProvider(ctx, cfg.Analysis, logger.Named("llm"))
		if err != nil {
			return nil, fmt.Errorf("analysis provider: %w", err)
		}

		var text enrich.TextSource
		if cfg.Analysis.FullText {
			text = fetch.NewTextFetcher(cfg.Analysis.FullTextURL, cfg.Analysis.FullTextChars,
				cfg.Discovery.UserAgent, cfg.Discovery.Timeout(), logger.Named("fetch"))
		}

		artifacts := artifact.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.PDFURL, cfg.Discovery.UserAgent,
			&http.Client{Timeout: cfg.Artifacts.Timeout()}, logger.Named("artifact"))

		deps.Enricher = enrich.NewOrchestrator(
			artifacts,
			enrich.NewLLMAnalyzer(provider, cfg.Analysis, text, logger.Named("enrich")),
			cfg.Analysis.Delay(),
			cfg.Analysis.DocumentTimeout(),
			logger.Named("enrich"),
		)
	}

	if !opts.NoEmail {
		var sender report.Sender
		if cfg.Notification.Complete() {
			sender = report.NewSMTPSender(cfg.Notification)
		}
		deps.Notifier = report.NewNotifier(cfg.Notification, sender, logger.Named("notify"))
	}

	return New(cfg, deps), nil
}
