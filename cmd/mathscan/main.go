// Command mathscan extracts math tasks from a PDF with a vision model and
// appends them to a CSV file. Progress is tracked per page in a content-
// addressed workspace, so an interrupted run picks up where it stopped.
//
// Usage:
//
//	mathscan [flags] input.pdf output.csv
//
// Exit codes: 0 all requested pages done, 2 some pages failed, 1 the run
// itself could not proceed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mathscan/internal/config"
	"mathscan/internal/ledger"
	"mathscan/internal/models"
	"mathscan/internal/pagestore"
	"mathscan/internal/pipeline"
	"mathscan/internal/providers"
	"mathscan/internal/render"
	"mathscan/internal/retry"
	"mathscan/internal/sink"
	"mathscan/internal/storage"
	"mathscan/internal/util"
	"mathscan/internal/workspace"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load(".env")
	cfg := config.Load()

	var (
		pagesFlag   = flag.String("pages", "", "pages to process, e.g. \"5\", \"3-7\" or \"1,4,9-12\" (default: all)")
		concurrency = flag.Int("concurrency", cfg.Concurrency, "pages processed in parallel")
		force       = flag.Bool("force", false, "reprocess pages already marked done")
		extended    = flag.Bool("extended", false, "add confidence, provider and model columns to the output")
		clean       = flag.Bool("clean", false, "delete the document's workspace and exit")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: mathscan [flags] input.pdf output.csv\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	setupLogging(cfg.LogLevel, *verbose)

	if *clean && flag.NArg() == 1 {
		return cleanWorkspace(flag.Arg(0), cfg.BaseTempDir)
	}
	if flag.NArg() != 2 {
		flag.Usage()
		return 1
	}
	inputPath, outputPath := flag.Arg(0), flag.Arg(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := workspace.Allocate(inputPath, cfg.BaseTempDir)
	if err != nil {
		slog.Error("cannot start", "error", err)
		return 1
	}
	if *clean {
		return cleanAllocated(ws)
	}
	lock, err := ws.AcquireLock()
	if err != nil {
		slog.Error("cannot start", "error", err)
		return 1
	}
	defer lock.Release()
	if err := util.EnsureDir(ws.PagesDir()); err != nil {
		slog.Error("cannot start", "error", err)
		return 1
	}

	pages, err := pipeline.ParsePageRange(*pagesFlag)
	if err != nil {
		slog.Error("bad -pages value", "error", err)
		return 1
	}

	renderer, err := render.NewPDFRenderer(ws.SourcePath, filepath.Join(ws.Dir, "scratch"))
	if err != nil {
		slog.Error("cannot open document", "error", err)
		return 1
	}

	provider, ref, err := providers.NewFromConfig(ctx, cfg)
	if err != nil {
		slog.Error("cannot build vision provider", "error", err)
		return 1
	}
	if c, ok := provider.(io.Closer); ok {
		defer c.Close()
	}

	var audit *storage.CallAudit
	if cfg.PostgresURL != "" {
		db, err := storage.NewDB(ctx, cfg.PostgresURL)
		if err != nil {
			slog.Error("cannot connect audit database", "error", err)
			return 1
		}
		defer db.Close()
		audit = storage.NewCallAudit(db)
		if err := audit.EnsureSchema(ctx); err != nil {
			slog.Error("cannot prepare audit database", "error", err)
			return 1
		}
	}

	out, err := sink.OpenCSV(outputPath, *extended)
	if err != nil {
		slog.Error("cannot open output", "error", err)
		return 1
	}
	defer out.Close()

	led := ledger.Load(ws.LedgerPath(), ws.SourcePath, ws.Fingerprint, renderer.PageCount())
	slog.Info("starting run",
		"document", inputPath,
		"pages", renderer.PageCount(),
		"workspace", ws.Dir,
		"provider", ref.Name,
		"session", led.SessionID())

	policy := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelaySec) * time.Second,
		MaxDelay:    time.Duration(cfg.RetryMaxDelaySec) * time.Second,
	}
	ctrl := pipeline.New(led, pagestore.New(ws.PagesDir()), renderer, provider, out, audit, policy, pipeline.Options{
		Pages:       pages,
		Concurrency: *concurrency,
		Force:       *force,
		Extended:    *extended,
	})

	summary, runErr := ctrl.Run(ctx)
	if summary != nil {
		printSummary(summary)
	}
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		slog.Warn("run interrupted; rerun to resume")
		return 1
	case runErr != nil:
		slog.Error("run aborted", "error", runErr)
		return 1
	case summary.Failed > 0:
		slog.Warn("some pages failed; rerun to retry them", "failed", summary.Failed)
		return 2
	default:
		return 0
	}
}

func setupLogging(level string, verbose bool) {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func cleanWorkspace(inputPath, baseDir string) int {
	ws, err := workspace.Allocate(inputPath, baseDir)
	if err != nil {
		slog.Error("cannot resolve workspace", "error", err)
		return 1
	}
	return cleanAllocated(ws)
}

func cleanAllocated(ws *workspace.Workspace) int {
	if err := ws.Clean(); err != nil {
		slog.Error("cannot remove workspace", "error", err)
		return 1
	}
	slog.Info("workspace removed", "dir", ws.Dir)
	return 0
}

func printSummary(s *models.RunSummary) {
	fmt.Printf("session %s: %d/%d pages done, %d failed, %d skipped\n",
		s.SessionID, s.Done, s.Requested, s.Failed, s.Skipped)
	fmt.Printf("tasks extracted: %d  model calls: %d (%d errors)  elapsed: %s\n",
		s.Tasks, s.ModelCalls, s.ModelErrors, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	if len(s.FailReasons) == 0 {
		return
	}
	pages := make([]int, 0, len(s.FailReasons))
	for p := range s.FailReasons {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	for _, p := range pages {
		fmt.Printf("  page %d failed: %s\n", p, s.FailReasons[p])
	}
}
