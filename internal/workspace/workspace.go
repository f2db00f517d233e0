// Package workspace derives a collision-free working directory per input
// document from a BLAKE3 content fingerprint, so repeated runs against the
// same bytes resume in the same place and different documents never collide.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mathscan/internal/util"
)

// ErrValidation marks a rejected input document. It aborts before any
// workspace is allocated.
var ErrValidation = errors.New("input validation failed")

var pdfMagic = []byte("%PDF")

// Workspace is resolved once per run and immutable afterwards.
type Workspace struct {
	Dir         string
	SourcePath  string
	Fingerprint string
}

// ShortFingerprint is the 8-hex-char prefix used in the directory name.
func (w *Workspace) ShortFingerprint() string {
	if len(w.Fingerprint) < 8 {
		return w.Fingerprint
	}
	return w.Fingerprint[:8]
}

// LedgerPath is the progress ledger location inside the workspace.
func (w *Workspace) LedgerPath() string {
	return filepath.Join(w.Dir, "ledger.json")
}

// PagesDir holds per-page artifacts.
func (w *Workspace) PagesDir() string {
	return filepath.Join(w.Dir, "pages")
}

// Allocate validates sourcePath, fingerprints its full content, and creates
// (or reuses) <baseDir>/<basename>_<fingerprint8>. Existing contents are
// never destroyed; reuse is what enables resume.
func Allocate(sourcePath, baseDir string) (*Workspace, error) {
	if err := ValidatePDF(sourcePath); err != nil {
		return nil, err
	}
	fp, err := util.Blake3HexFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", sourcePath, err)
	}
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	dir := filepath.Join(baseDir, fmt.Sprintf("%s_%s", base, fp[:8]))
	if err := util.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir, SourcePath: sourcePath, Fingerprint: fp}, nil
}

// ValidatePDF performs the cheap pre-flight checks: the file must exist, be
// non-empty, and start with the PDF magic header. Runs before any expensive
// work.
func ValidatePDF(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: file not found: %s", ErrValidation, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: not a file: %s", ErrValidation, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: file is empty: %s", ErrValidation, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	header := make([]byte, len(pdfMagic))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("read header of %s: %w", path, err)
	}
	if !bytes.HasPrefix(header, pdfMagic) {
		return fmt.Errorf("%w: not a PDF (bad magic header): %s", ErrValidation, path)
	}
	return nil
}

// Clean removes the workspace directory and everything in it. Only invoked
// on explicit request; workspaces are kept by default so runs can resume.
func (w *Workspace) Clean() error {
	return os.RemoveAll(w.Dir)
}
