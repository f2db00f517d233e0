// Package pipeline orchestrates one extraction run: page selection, resume
// against the progress ledger, retry-wrapped model calls, response parsing
// with a single fallback round, and durable CSV output. Failures are scoped:
// a bad page is recorded and skipped, while auth and output failures abort
// the whole run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mathscan/internal/extract"
	"mathscan/internal/ledger"
	"mathscan/internal/models"
	"mathscan/internal/pagestore"
	"mathscan/internal/providers"
	"mathscan/internal/render"
	"mathscan/internal/retry"
	"mathscan/internal/storage"
)

// Sink receives the rows for one fully processed page.
type Sink interface {
	Append(tasks []models.Task) error
}

// FatalCallError aborts the run: retrying other pages with the same broken
// credentials would only burn quota.
type FatalCallError struct {
	Page int
	Err  error
}

func (e *FatalCallError) Error() string {
	return fmt.Sprintf("fatal provider error on page %d: %v", e.Page, e.Err)
}

func (e *FatalCallError) Unwrap() error { return e.Err }

// SinkError aborts the run: once output cannot be written, processing more
// pages would silently lose results.
type SinkError struct {
	Page int
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("write output for page %d: %v", e.Page, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Options selects what to process and how.
type Options struct {
	Pages       []int // nil means every page of the document
	Concurrency int   // <=1 means sequential
	Force       bool  // reprocess pages already marked done
	Extended    bool  // rows carry confidence/provider/model
}

type Controller struct {
	led      *ledger.Ledger
	store    *pagestore.Store
	renderer render.PageRenderer
	provider providers.VisionProvider
	sink     Sink
	audit    *storage.CallAudit
	policy   retry.Policy
	opts     Options

	mu sync.Mutex // serializes sink append + ledger mark in concurrent mode
}

func New(led *ledger.Ledger, store *pagestore.Store,
	renderer render.PageRenderer, provider providers.VisionProvider,
	sink Sink, audit *storage.CallAudit, policy retry.Policy, opts Options) *Controller {
	return &Controller{
		led: led, store: store, renderer: renderer,
		provider: provider, sink: sink, audit: audit, policy: policy, opts: opts,
	}
}

// Run processes the selected pages and returns a summary. A non-nil error
// means the run was aborted; page-scoped failures do not produce an error
// and are reported through the summary instead.
func (c *Controller) Run(ctx context.Context) (*models.RunSummary, error) {
	started := time.Now().UTC()
	total := c.renderer.PageCount()

	requested := c.opts.Pages
	if len(requested) == 0 {
		requested = make([]int, 0, total)
		for p := 1; p <= total; p++ {
			requested = append(requested, p)
		}
	}
	for _, p := range requested {
		if p < 1 || p > total {
			return nil, fmt.Errorf("page %d out of range: document has %d pages", p, total)
		}
	}

	if c.opts.Force {
		if err := c.led.Reset(requested); err != nil {
			return nil, err
		}
	}
	pending := c.led.PendingPages(requested)
	skipped := len(requested) - len(pending)
	if skipped > 0 {
		slog.Info("resuming run", "skipped", skipped, "pending", len(pending))
	}

	var runErr error
	if c.opts.Concurrency <= 1 {
		for _, page := range pending {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			if err := c.processPage(ctx, page); err != nil {
				runErr = err
				break
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.Concurrency)
		for _, page := range pending {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return c.processPage(gctx, page)
			})
		}
		runErr = g.Wait()
	}

	summary := c.buildSummary(requested, total, skipped, started)
	return summary, runErr
}

func (c *Controller) buildSummary(requested []int, total, skipped int, started time.Time) *models.RunSummary {
	tasks, calls, callErrs := c.led.Stats()
	s := &models.RunSummary{
		SessionID:   c.led.SessionID(),
		TotalPages:  total,
		Requested:   len(requested),
		Skipped:     skipped,
		Tasks:       tasks,
		ModelCalls:  calls,
		ModelErrors: callErrs,
		FailReasons: map[int]string{},
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	failed := c.led.FailedPages()
	for _, p := range requested {
		if reason, ok := failed[p]; ok {
			s.Failed++
			s.FailReasons[p] = reason
		} else if c.led.IsDone(p) {
			s.Done++
		}
	}
	return s
}

// processPage runs the full pipeline for one page. It returns an error only
// for run-scoped failures; page-scoped failures are recorded in the ledger
// and swallowed.
//
// The page runs on a detached context: cancellation is observed between
// pages by Run, and a page whose model call is already in flight finishes
// or fails on its own.
func (c *Controller) processPage(ctx context.Context, page int) error {
	ctx = context.WithoutCancel(ctx)
	log := slog.With("page", page)

	image, err := c.pageImage(ctx, page)
	if err != nil {
		if errors.Is(err, render.ErrRender) {
			log.Warn("page failed", "stage", "render", "error", err)
			return c.led.Mark(page, ledger.StatusFailed, err, nil)
		}
		return err
	}

	prompt := providers.SelectPrompt(page, c.renderer.TextHint(page))

	calls, callErrs := 0, 0
	var raw string
	var info providers.ProviderInfo
	callErr := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.led.RecordAttempt(page); err != nil {
			return err
		}
		calls++
		start := time.Now()
		resp, pinfo, err := c.provider.ExtractPage(ctx, providers.ExtractRequest{
			PageNumber: page, Image: image, Prompt: prompt,
		})
		c.auditCall(ctx, page, pinfo, attempt, "primary", err, start)
		if err != nil {
			callErrs++
			log.Warn("model call failed", "attempt", attempt, "error", err)
			return err
		}
		raw, info = resp.Text, pinfo
		return nil
	}, c.classify)
	if callErr != nil {
		if err := c.led.AddStats(0, calls, callErrs); err != nil {
			return err
		}
		if providers.IsRunFatal(providers.ClassifyError(callErr)) {
			return &FatalCallError{Page: page, Err: callErr}
		}
		log.Warn("page failed", "stage", "model", "error", callErr)
		return c.led.Mark(page, ledger.StatusFailed, callErr, nil)
	}

	respName, err := c.store.Save(page, pagestore.KindResponse, []byte(raw))
	if err != nil {
		return err
	}

	tasks, warnings, perr := extract.ParsePage(raw, page)
	var parseErr *extract.ParseError
	if errors.As(perr, &parseErr) {
		// One corrective round with the stricter fallback prompt; parse
		// failures are not provider faults, so no retry wrapping here.
		log.Warn("response unparseable, trying fallback prompt", "error", perr)
		tasks, warnings, err = c.fallbackRound(ctx, page, image, &raw, &info, &calls, &callErrs)
		if err != nil {
			if serr := c.led.AddStats(0, calls, callErrs); serr != nil {
				return serr
			}
			var fatal *FatalCallError
			if errors.As(err, &fatal) {
				return err
			}
			log.Warn("page failed", "stage", "parse", "error", err)
			return c.led.Mark(page, ledger.StatusFailed, err, nil)
		}
		if _, serr := c.store.Save(page, pagestore.KindResponse, []byte(raw)); serr != nil {
			return serr
		}
	} else if perr != nil {
		return perr
	}
	for _, w := range warnings {
		log.Warn("parse warning", "detail", w)
	}

	if c.opts.Extended {
		for i := range tasks {
			tasks[i].Provider = info.Name
			tasks[i].Model = info.Model
		}
	}

	artifacts := map[string]string{
		pagestore.KindPage:     c.store.Filename(page, pagestore.KindPage),
		pagestore.KindResponse: respName,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sink.Append(tasks); err != nil {
		return &SinkError{Page: page, Err: err}
	}
	if err := c.led.AddStats(len(tasks), calls, callErrs); err != nil {
		return err
	}
	if err := c.led.Mark(page, ledger.StatusDone, nil, artifacts); err != nil {
		return err
	}
	log.Info("page done", "tasks", len(tasks), "attempts", calls)
	return nil
}

// pageImage reuses the stored page artifact when present, rendering and
// storing it otherwise. Forced reprocessing re-renders so a stale or corrupt
// cached artifact cannot outlive the flag.
func (c *Controller) pageImage(ctx context.Context, page int) (providers.PageImage, error) {
	if !c.opts.Force {
		if data, ok, err := c.store.Load(page, pagestore.KindPage); err != nil {
			return providers.PageImage{}, err
		} else if ok {
			return providers.PageImage{Data: data, MIMEType: "application/pdf"}, nil
		}
	}
	image, err := c.renderer.Render(ctx, page)
	if err != nil {
		return providers.PageImage{}, err
	}
	if _, err := c.store.Save(page, pagestore.KindPage, image.Data); err != nil {
		return providers.PageImage{}, err
	}
	return image, nil
}

// fallbackRound performs the single direct fallback call and re-parses.
func (c *Controller) fallbackRound(ctx context.Context, page int, image providers.PageImage,
	raw *string, info *providers.ProviderInfo, calls, callErrs *int) ([]models.Task, []string, error) {
	if err := c.led.RecordAttempt(page); err != nil {
		return nil, nil, err
	}
	*calls++
	start := time.Now()
	resp, pinfo, err := c.provider.ExtractPage(ctx, providers.ExtractRequest{
		PageNumber: page, Image: image, Prompt: providers.FallbackPrompt(page),
	})
	c.auditCall(ctx, page, pinfo, 1, "fallback", err, start)
	if err != nil {
		*callErrs++
		if providers.IsRunFatal(providers.ClassifyError(err)) {
			return nil, nil, &FatalCallError{Page: page, Err: err}
		}
		return nil, nil, err
	}
	*raw, *info = resp.Text, pinfo
	return extract.ParsePage(resp.Text, page)
}

func (c *Controller) classify(err error) retry.Class {
	if providers.IsRetryable(providers.ClassifyError(err)) {
		return retry.Retryable
	}
	return retry.Fatal
}

func (c *Controller) auditCall(ctx context.Context, page int, info providers.ProviderInfo,
	attempt int, kind string, callErr error, start time.Time) {
	if c.audit == nil {
		return
	}
	rec := storage.CallRecord{
		SessionID:    c.led.SessionID(),
		Page:         page,
		ProviderName: info.Name,
		Model:        info.Model,
		Attempt:      attempt,
		PromptKind:   kind,
		Status:       "ok",
	}
	if callErr != nil {
		rec.Status = "error"
		rec.ErrorType = string(providers.ClassifyError(callErr))
	}
	if err := c.audit.Timed(ctx, rec, start); err != nil {
		slog.Warn("audit insert failed", "page", page, "error", err)
	}
}
