// Package render is the rasterizer collaborator: it turns one page of the
// source PDF into a standalone single-page artifact the vision providers can
// consume, and exposes best-effort plain-text hints for prompt selection.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ledpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"mathscan/internal/providers"
	"mathscan/internal/util"
)

// ErrRender marks a per-page rendering failure. It isolates to the page; the
// pipeline records it and moves on.
var ErrRender = errors.New("page render failed")

// PageRenderer is what the pipeline consumes; tests substitute stubs.
type PageRenderer interface {
	PageCount() int
	Render(ctx context.Context, page int) (providers.PageImage, error)
	TextHint(page int) string
}

// PDFRenderer extracts single-page PDFs with pdfcpu. Gemini accepts these
// natively; HTTP providers receive them base64-encoded with the PDF MIME
// type.
type PDFRenderer struct {
	sourcePath string
	scratchDir string
	pageCount  int
}

// NewPDFRenderer opens the document and counts its pages. scratchDir is used
// for intermediate per-page files and must live inside the workspace.
func NewPDFRenderer(sourcePath, scratchDir string) (*PDFRenderer, error) {
	count, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("count pages of %s: %w", sourcePath, err)
	}
	if count == 0 {
		return nil, fmt.Errorf("document has no pages: %s", sourcePath)
	}
	if err := util.EnsureDir(scratchDir); err != nil {
		return nil, err
	}
	return &PDFRenderer{sourcePath: sourcePath, scratchDir: scratchDir, pageCount: count}, nil
}

func (r *PDFRenderer) PageCount() int { return r.pageCount }

// Render extracts the given 1-based page into a single-page PDF and returns
// its bytes. Failures are wrapped in ErrRender so the pipeline can isolate
// them to the page.
func (r *PDFRenderer) Render(ctx context.Context, page int) (providers.PageImage, error) {
	if err := ctx.Err(); err != nil {
		return providers.PageImage{}, err
	}
	if page < 1 || page > r.pageCount {
		return providers.PageImage{}, fmt.Errorf("%w: page %d out of range 1..%d", ErrRender, page, r.pageCount)
	}
	out := filepath.Join(r.scratchDir, fmt.Sprintf("trim_%04d.pdf", page))
	if err := api.TrimFile(r.sourcePath, out, []string{fmt.Sprintf("%d", page)}, nil); err != nil {
		return providers.PageImage{}, fmt.Errorf("%w: extract page %d: %v", ErrRender, page, err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return providers.PageImage{}, fmt.Errorf("%w: read page %d artifact: %v", ErrRender, page, err)
	}
	_ = os.Remove(out)
	return providers.PageImage{Data: data, MIMEType: "application/pdf"}, nil
}

// TextHint returns the page's extractable plain text, or "" when extraction
// is not possible. Scanned pages usually have none; that is fine, the hint
// only steers prompt selection.
func (r *PDFRenderer) TextHint(page int) string {
	f, reader, err := ledpdf.Open(r.sourcePath)
	if err != nil {
		return ""
	}
	defer f.Close()
	if page < 1 || page > reader.NumPage() {
		return ""
	}
	p := reader.Page(page)
	if p.V.IsNull() {
		return ""
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return util.SanitizeText(text)
}
