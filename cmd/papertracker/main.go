package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/config"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/database"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/history"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/identity"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/logging"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/paper"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/pipeline"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/report"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/selection"
	"github.com/TomasAndersonFang/arxiv-paper-tracker/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	envFile    string
	cfg        *config.Config
	logger     *zap.Logger
)

func main() {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "papertracker",
	Short:   "Daily arXiv paper analysis",
	Long:    "papertracker discovers new arXiv papers per topic, analyzes them with an LLM, keeps a markdown history and mails a daily report.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		if path != "" {
			logger.Debug("config loaded", zap.String("path", path))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file with secrets")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("papertracker", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/papertracker/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure topics and the analysis provider.")
		fmt.Println("Secrets (OPENAI_API_KEY, GEMINI_API_KEY, SMTP_*) are read from the environment or a .env file.")
		return nil
	},
}

// --- run command ---

var (
	dryRun  bool
	noEmail bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: lock -> compact -> load -> discover/select/analyze per topic -> append -> notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe, err := pipeline.FromConfig(ctx, cfg, db, logger, pipeline.Options{DryRun: dryRun, NoEmail: noEmail})
		if err != nil {
			return err
		}

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(ctx)
		} else {
			result = pipe.Run(ctx)
		}

		printSteps(result)
		if dryRun {
			printSelections(result)
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("run finished with errors: %w", err)
		}
		if !dryRun {
			fmt.Printf("\nRun complete. History: %s\n", cfg.History.Path)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Discover and select only; analyze, write and send nothing")
	runCmd.Flags().BoolVar(&noEmail, "no-email", false, "Skip the email report")
}

func printSteps(r *pipeline.Result) {
	for i, step := range r.Steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(r.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

func printSelections(r *pipeline.Result) {
	for _, tr := range r.Topics {
		fmt.Printf("\n%s:\n", tr.Topic)
		if tr.DiscoveryErr != nil {
			fmt.Printf("  Discovery error: %v\n", tr.DiscoveryErr)
		}
		for _, d := range tr.SelectedDocs {
			fmt.Printf("  + %s  %s (%s)\n", d.ID, d.Title, d.PublishedDate())
		}
		for _, d := range tr.DeferredDocs {
			fmt.Printf("  ~ %s  %s (deferred)\n", d.ID, d.Title)
		}
	}
}

// --- compact command ---

var compactDryRun bool

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove duplicate entries from the history file",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewHistoryStore(cfg, logger.Named("history"))

		if compactDryRun {
			res, _, err := store.Plan()
			if err != nil {
				return err
			}
			fmt.Printf("Would remove %d duplicate entries, keeping %d.\n", res.Removed, res.Kept)
			for _, id := range res.RemovedIDs {
				fmt.Printf("  - %s\n", id)
			}
			return nil
		}

		lock, err := history.AcquireLock(history.LockPath(store.Path()), cfg.History.LockTTL())
		if err != nil {
			return err
		}
		defer lock.Release()

		res, err := store.Compact()
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d duplicate entries, kept %d.\n", res.Removed, res.Kept)
		if res.Unidentified > 0 {
			fmt.Printf("%d entries have no recognizable identifier and were kept.\n", res.Unidentified)
		}
		return nil
	},
}

func init() {
	compactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false, "Show what would be removed")
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger and history status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		store := pipeline.NewHistoryStore(cfg, logger.Named("history"))
		hist, err := store.Stats()
		if err != nil {
			return fmt.Errorf("reading history: %w", err)
		}

		fmt.Println("Runs:")
		fmt.Printf("  Total: %d\n", stats.TotalRuns)
		fmt.Printf("  Papers analyzed: %d\n", stats.TotalAnalyzed)
		fmt.Printf("  Analyses failed: %d\n", stats.TotalFailed)
		fmt.Printf("  Unique papers: %d\n", stats.UniquePapers)
		if stats.LastRunAt != nil {
			fmt.Printf("  Last run: %s\n", stats.LastRunAt.Local().Format(time.DateTime))
		}

		fmt.Printf("\nHistory (%s):\n", store.Path())
		fmt.Printf("  Entries: %d\n", hist.Entries)
		fmt.Printf("  Unique papers: %d\n", hist.UniquePapers)
		fmt.Printf("  Duplicates: %d\n", hist.Duplicates)
		fmt.Printf("  Size: %d bytes\n", hist.SizeBytes)

		last, err := db.GetLastRun()
		if err != nil {
			return fmt.Errorf("getting last run: %w", err)
		}
		if last != nil && len(last.Topics) > 0 {
			fmt.Println("\nLast run by topic:")
			for _, t := range last.Topics {
				fmt.Printf("  %s: %d found, %d new, %d analyzed, %d failed, %d deferred\n",
					t.Topic, t.Found, t.New, t.Analyzed, t.Failed, t.Deferred)
			}
		}
		return nil
	},
}

// --- check command ---

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, secrets, report rendering and dedup",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Topics:")
		for _, t := range cfg.Topics {
			fmt.Printf("  %s: filters=%v search_cap=%d analyze_cap=%d\n", t.Label, t.Filters, t.SearchCap, t.AnalyzeCap)
		}
		fmt.Printf("\nProvider: %s\n", cfg.Analysis.Provider)
		fmt.Printf("Discovery backend: %s (last %d days)\n", cfg.Discovery.Backend, cfg.Discovery.RecencyDays)

		fmt.Println("\nSecrets:")
		for _, sec := range cfg.Secrets() {
			state := "not set"
			if sec.Set {
				state = "set"
			}
			fmt.Printf("  %s: %s\n", sec.Name, state)
		}
		fmt.Printf("  mail settings complete: %v\n", cfg.Notification.Complete())

		store := pipeline.NewHistoryStore(cfg, logger.Named("history"))
		date := time.Now().Format("2006-01-02")
		sample := []paper.TopicGroup{{
			Topic: cfg.Topics[0].Label,
			Results: []paper.Result{{
				Document: paper.Document{
					ID:         "2101.00001v1",
					Title:      "Sample Paper Title",
					Authors:    []string{"Author One", "Author Two"},
					Categories: []string{"cs.SE"},
					Published:  time.Now().UTC(),
				},
				Topic:    cfg.Topics[0].Label,
				Analysis: "#### Executive Summary\nThis is a sample analysis.",
			}},
		}}
		body := report.RenderEmail(date, sample, store.AbsLink)
		html, err := report.ToHTML(body)
		if err != nil {
			return fmt.Errorf("rendering sample report: %w", err)
		}
		fmt.Printf("\nSample report (%s):\n%s\n", report.Subject(date), body)
		fmt.Printf("HTML body: %d bytes\n", len(html))

		fmt.Println("\nDedup classification against a history holding 2101.00001v1:")
		known := identity.NewSet("2101.00001v1")
		var docs []paper.Document
		for _, id := range []string{"2101.00001v1", "2101.00001v2", "2101.00001", "2101.00002v1"} {
			docs = append(docs, paper.Document{ID: id})
		}
		sel := selection.Select(docs, known, len(docs))
		for _, d := range sel.Known {
			fmt.Printf("  %s: known\n", d.ID)
		}
		for _, d := range sel.New {
			fmt.Printf("  %s: new\n", d.ID)
		}

		fmt.Printf("\nHistory file: %s (%d identifiers known)\n", store.Path(), store.Load().Len())
		return nil
	},
}

// --- config command ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration (secrets omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if !cmd.Flags().Changed("port") && cfg.Server.Port > 0 {
			port = cfg.Server.Port
		}

		srv, err := server.New(db, pipeline.NewHistoryStore(cfg, logger.Named("history")), logger.Named("server"))
		if err != nil {
			return err
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return srv.Serve(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "papertracker.db"), logger.Named("database"))
}
