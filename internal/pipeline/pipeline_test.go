package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mathscan/internal/ledger"
	"mathscan/internal/models"
	"mathscan/internal/pagestore"
	"mathscan/internal/providers"
	"mathscan/internal/render"
	"mathscan/internal/retry"
	"mathscan/internal/sink"
)

type stubRenderer struct {
	pages     int
	failPages map[int]bool
	hints     map[int]string
	version   int
}

func (r *stubRenderer) PageCount() int { return r.pages }

func (r *stubRenderer) Render(_ context.Context, page int) (providers.PageImage, error) {
	if r.failPages[page] {
		return providers.PageImage{}, fmt.Errorf("%w: page %d", render.ErrRender, page)
	}
	return providers.PageImage{
		Data:     []byte(fmt.Sprintf("%%PDF-stub page %d v%d", page, r.version)),
		MIMEType: "application/pdf",
	}, nil
}

func (r *stubRenderer) TextHint(page int) string { return r.hints[page] }

// scriptedProvider replays a per-page script keyed by call number.
type scriptedProvider struct {
	mu      sync.Mutex
	calls   map[int]int
	prompts map[int][]string
	images  map[int][]string
	script  func(page, call int) (string, error)
}

func newScripted(script func(page, call int) (string, error)) *scriptedProvider {
	return &scriptedProvider{
		calls:   map[int]int{},
		prompts: map[int][]string{},
		images:  map[int][]string{},
		script:  script,
	}
}

func (p *scriptedProvider) ExtractPage(ctx context.Context, req providers.ExtractRequest) (providers.ExtractResponse, providers.ProviderInfo, error) {
	if err := ctx.Err(); err != nil {
		return providers.ExtractResponse{}, providers.ProviderInfo{}, err
	}
	p.mu.Lock()
	p.calls[req.PageNumber]++
	call := p.calls[req.PageNumber]
	p.prompts[req.PageNumber] = append(p.prompts[req.PageNumber], req.Prompt)
	p.images[req.PageNumber] = append(p.images[req.PageNumber], string(req.Image.Data))
	p.mu.Unlock()

	info := providers.ProviderInfo{Name: "scripted", Model: "test-vision-v1"}
	text, err := p.script(req.PageNumber, call)
	if err != nil {
		return providers.ExtractResponse{}, info, err
	}
	return providers.ExtractResponse{Text: text}, info, nil
}

func (p *scriptedProvider) callCount(page int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[page]
}

func taskJSON(page int, tasks ...[2]string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`{"page_number": %d, "tasks": [`, page))
	for i, t := range tasks {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf(`{"task_number": %q, "task_text": %q, "has_image": false}`, t[0], t[1]))
	}
	b.WriteString(fmt.Sprintf(`], "page_info": {"total_tasks": %d}}`, len(tasks)))
	return b.String()
}

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

type fixture struct {
	dir      string
	csvPath  string
	led      *ledger.Ledger
	store    *pagestore.Store
	renderer *stubRenderer
	provider *scriptedProvider
}

func newFixture(t *testing.T, pages int, provider *scriptedProvider) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pages"), 0o755))
	return &fixture{
		dir:      dir,
		csvPath:  filepath.Join(dir, "out.csv"),
		led:      ledger.Load(filepath.Join(dir, "ledger.json"), "book.pdf", "deadbeef", pages),
		store:    pagestore.New(filepath.Join(dir, "pages")),
		renderer: &stubRenderer{pages: pages, failPages: map[int]bool{}, hints: map[int]string{}},
		provider: provider,
	}
}

// reload simulates a fresh process resuming against the same workspace.
func (f *fixture) reload(t *testing.T, pages int) {
	t.Helper()
	f.led = ledger.Load(filepath.Join(f.dir, "ledger.json"), "book.pdf", "deadbeef", pages)
}

func (f *fixture) run(t *testing.T, opts Options) (*sink.CSVSink, *Controller, error) {
	t.Helper()
	out, err := sink.OpenCSV(f.csvPath, opts.Extended)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), opts)
	_, runErr := ctrl.Run(context.Background())
	require.NoError(t, out.Close())
	return out, ctrl, runErr
}

func (f *fixture) rows(t *testing.T) [][]string {
	t.Helper()
	file, err := os.Open(f.csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunThreePageDocument(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		switch {
		case page == 1:
			return taskJSON(1, [2]string{"1", "Сколько будет 2 + 3?"}, [2]string{"unknown", "Реши пример: 7 - 4"}), nil
		case page == 2:
			return taskJSON(2), nil
		case page == 3 && call == 1:
			return "", providers.ErrTransient
		default:
			return taskJSON(3, [2]string{"5", "9 - 6 = ?"}), nil
		}
	})
	f := newFixture(t, 3, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 3, summary.TotalPages)
	require.Equal(t, 3, summary.Done)
	require.Zero(t, summary.Failed)
	require.Equal(t, 3, summary.Tasks)
	require.Equal(t, 4, summary.ModelCalls)
	require.Equal(t, 1, summary.ModelErrors)

	rows := f.rows(t)
	require.Len(t, rows, 4) // header + 3 tasks; the blank page contributes nothing
	require.Equal(t, []string{"1", "1", "Сколько будет 2 + 3?", "false"}, rows[1])
	require.Equal(t, "unknown-1", rows[2][1])
	require.Equal(t, []string{"3", "5", "9 - 6 = ?", "false"}, rows[3])

	// The flaky page needed two attempts and both are on record.
	entry, ok := f.led.Entry(3)
	require.True(t, ok)
	require.Equal(t, ledger.StatusDone, entry.Status)
	require.Equal(t, 2, entry.Attempts)

	// Both artifacts exist per processed page.
	require.True(t, f.store.Has(1, pagestore.KindPage))
	require.True(t, f.store.Has(1, pagestore.KindResponse))
}

func TestRunResumeSkipsDonePages(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", fmt.Sprintf("task on page %d", page)}), nil
	})
	f := newFixture(t, 2, provider)

	_, _, err := f.run(t, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, provider.callCount(1))

	f.reload(t, 2)
	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 1, provider.callCount(1), "done pages must not be reprocessed")
	require.Len(t, f.rows(t), 3, "resume must not duplicate rows")
}

func TestRunIsolatesFailingPage(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		if page == 2 {
			return "", providers.ErrTransient
		}
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 3, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr, "page failures must not abort the run")
	require.NoError(t, out.Close())

	require.Equal(t, 2, summary.Done)
	require.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.FailReasons, 2)
	require.Equal(t, 3, provider.callCount(2), "retries must be exhausted before giving up")

	entry, _ := f.led.Entry(2)
	require.Equal(t, ledger.StatusFailed, entry.Status)
	require.NotEmpty(t, entry.LastError)
}

func TestRunAbortsOnAuthError(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		if page == 1 {
			return "", providers.ErrAuth
		}
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 3, provider)

	_, _, runErr := f.run(t, Options{})
	var fatal *FatalCallError
	require.ErrorAs(t, runErr, &fatal)
	require.Equal(t, 1, fatal.Page)
	require.Equal(t, 1, provider.callCount(1), "auth errors must not be retried")
	require.Zero(t, provider.callCount(2), "run must stop before later pages")
}

func TestRunFallbackPromptOnUnparseableResponse(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		if call == 1 {
			return "Sure! Here are the tasks I found on this page:", nil
		}
		return taskJSON(page, [2]string{"7", "3 + 3 = ?"}), nil
	})
	f := newFixture(t, 1, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 1, summary.Done)
	require.Equal(t, 2, provider.callCount(1), "exactly one fallback round")
	require.NotEqual(t, provider.prompts[1][0], provider.prompts[1][1], "fallback must use a different prompt")

	// The stored response snapshot is the one that parsed.
	raw, ok, err := f.store.Load(1, pagestore.KindResponse)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), "3 + 3")
}

func TestRunPersistentlyUnparseablePageFails(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return "still not JSON", nil
	})
	f := newFixture(t, 1, provider)

	_, _, runErr := f.run(t, Options{})
	require.NoError(t, runErr)
	require.Equal(t, 2, provider.callCount(1), "one primary call plus one fallback, then give up")
	entry, _ := f.led.Entry(1)
	require.Equal(t, ledger.StatusFailed, entry.Status)
}

func TestRunRenderFailureIsPageScoped(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 2, provider)
	f.renderer.failPages[1] = true

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 1, summary.Done)
	require.Equal(t, 1, summary.Failed)
	require.Zero(t, provider.callCount(1), "no model call for an unrenderable page")
}

func TestRunForceReprocessesDonePages(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 1, provider)

	_, _, err := f.run(t, Options{})
	require.NoError(t, err)

	f.reload(t, 1)
	_, _, err = f.run(t, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, 2, provider.callCount(1))
	// Output is append-only: forced reprocessing appends a second row.
	require.Len(t, f.rows(t), 3)
}

func TestRunPageSubset(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 5, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{Pages: []int{2, 4}})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 2, summary.Requested)
	require.Equal(t, 2, summary.Done)
	require.Zero(t, provider.callCount(1))
	require.Zero(t, provider.callCount(3))
}

func TestRunRejectsOutOfRangePage(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) { return "", nil })
	f := newFixture(t, 2, provider)
	_, _, runErr := f.run(t, Options{Pages: []int{7}})
	require.Error(t, runErr)
}

type failingSink struct{}

func (failingSink) Append([]models.Task) error { return fmt.Errorf("disk full") }

func TestRunSinkErrorAborts(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 2, provider)

	ctrl := New(f.led, f.store, f.renderer, f.provider, failingSink{}, nil, testPolicy(), Options{})
	_, runErr := ctrl.Run(context.Background())
	var serr *SinkError
	require.ErrorAs(t, runErr, &serr)
	require.Zero(t, provider.callCount(2), "run must stop once output is broken")
}

func TestRunConcurrent(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", fmt.Sprintf("page %d", page)}), nil
	})
	f := newFixture(t, 8, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{Concurrency: 4})
	summary, runErr := ctrl.Run(context.Background())
	require.NoError(t, runErr)
	require.NoError(t, out.Close())

	require.Equal(t, 8, summary.Done)
	require.Len(t, f.rows(t), 9)
}

func TestRunExtendedColumnsCarryProvenance(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 1, provider)

	_, _, err := f.run(t, Options{Extended: true})
	require.NoError(t, err)
	rows := f.rows(t)
	require.Equal(t, "scripted", rows[1][5])
	require.Equal(t, "test-vision-v1", rows[1][6])
}

func TestRunForceRerendersPageArtifact(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 1, provider)

	_, _, err := f.run(t, Options{})
	require.NoError(t, err)
	require.Contains(t, provider.images[1][0], "v0")

	// The source artifact changed on disk; a forced rerun must not feed the
	// model the stale cached render.
	f.renderer.version = 1
	f.reload(t, 1)
	_, _, err = f.run(t, Options{Force: true})
	require.NoError(t, err)
	require.Contains(t, provider.images[1][1], "v1")

	cached, ok, err := f.store.Load(1, pagestore.KindPage)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(cached), "v1", "stored artifact must be refreshed too")
}

func TestRunCancellationObservedBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation arrives while page 1 is mid-flight: its first call fails
	// with a transient error, so finishing the page requires a retry after
	// the cancel.
	provider := newScripted(func(page, call int) (string, error) {
		if page == 1 && call == 1 {
			cancel()
			return "", providers.ErrTransient
		}
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 3, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, out, nil, testPolicy(), Options{})
	summary, runErr := ctrl.Run(ctx)
	require.NoError(t, out.Close())

	require.ErrorIs(t, runErr, context.Canceled)
	require.Equal(t, 1, summary.Done, "in-flight page must finish despite the cancel")
	entry, ok := f.led.Entry(1)
	require.True(t, ok)
	require.Equal(t, ledger.StatusDone, entry.Status)
	require.Equal(t, 2, entry.Attempts)
	require.Zero(t, provider.callCount(2), "no new page may start after the cancel")
	require.Len(t, f.rows(t), 2)
}

// crashingSink appends like the real sink and then reports failure, cutting
// the run down exactly between the CSV append and the done mark.
type crashingSink struct {
	inner *sink.CSVSink
}

func (s *crashingSink) Append(tasks []models.Task) error {
	if err := s.inner.Append(tasks); err != nil {
		return err
	}
	return fmt.Errorf("process killed")
}

func TestRunResumeAfterCrashBetweenAppendAndMark(t *testing.T) {
	provider := newScripted(func(page, call int) (string, error) {
		return taskJSON(page, [2]string{"1", "ok"}), nil
	})
	f := newFixture(t, 1, provider)

	out, err := sink.OpenCSV(f.csvPath, false)
	require.NoError(t, err)
	ctrl := New(f.led, f.store, f.renderer, f.provider, &crashingSink{inner: out}, nil, testPolicy(), Options{})
	_, runErr := ctrl.Run(context.Background())
	var serr *SinkError
	require.ErrorAs(t, runErr, &serr)
	require.NoError(t, out.Close())

	// Rows reached the file but the page was never marked done.
	require.Len(t, f.rows(t), 2)
	require.False(t, f.led.IsDone(1))

	// Resume reprocesses the page; its rows are appended a second time
	// rather than silently lost.
	f.reload(t, 1)
	_, _, err = f.run(t, Options{})
	require.NoError(t, err)
	require.True(t, f.led.IsDone(1))
	require.Equal(t, 2, provider.callCount(1))
	require.Len(t, f.rows(t), 3)
}

func TestParsePageRange(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"5", []int{5}},
		{"3-6", []int{3, 4, 5, 6}},
		{"1,4,9-11", []int{1, 4, 9, 10, 11}},
		{" 2 , 2 , 1 ", []int{1, 2}},
	}
	for _, c := range cases {
		got, err := ParsePageRange(c.in)
		require.NoError(t, err, c.in)
		require.Equal(t, c.want, got, c.in)
	}

	for _, bad := range []string{"0", "-3", "x", "7-3"} {
		if _, err := ParsePageRange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
