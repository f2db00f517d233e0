// Package pagestore manages per-page artifacts inside a workspace: the
// rendered page and the raw model response snapshot. Artifacts are named by
// page number so they stay inspectable after the fact and reusable on resume.
package pagestore

import (
	"fmt"
	"os"
	"path/filepath"

	"mathscan/internal/util"
)

// Artifact kinds. Each page holds at most one artifact of each kind.
const (
	KindPage     = "page"     // rendered single-page PDF
	KindResponse = "response" // raw model response snapshot
)

var kindExt = map[string]string{
	KindPage:     ".pdf",
	KindResponse: ".json",
}

type Store struct {
	dir string
}

func New(pagesDir string) *Store {
	return &Store{dir: pagesDir}
}

// Filename returns the artifact file name for (page, kind), e.g.
// page_0003.pdf.
func (s *Store) Filename(page int, kind string) string {
	return fmt.Sprintf("page_%04d%s", page, kindExt[kind])
}

// Path returns the absolute artifact path.
func (s *Store) Path(page int, kind string) string {
	return filepath.Join(s.dir, s.Filename(page, kind))
}

// Save writes the artifact atomically and returns its file name. Writing the
// same content twice is an observable no-op.
func (s *Store) Save(page int, kind string, data []byte) (string, error) {
	if _, ok := kindExt[kind]; !ok {
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
	if err := util.WriteFileAtomic(s.Path(page, kind), data); err != nil {
		return "", fmt.Errorf("save %s artifact for page %d: %w", kind, page, err)
	}
	return s.Filename(page, kind), nil
}

// Load reads the artifact back; the second return is false when it does not
// exist.
func (s *Store) Load(page int, kind string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path(page, kind))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s artifact for page %d: %w", kind, page, err)
	}
	return data, true, nil
}

// Has reports whether the artifact exists, allowing rendering to be skipped
// on resume.
func (s *Store) Has(page int, kind string) bool {
	_, err := os.Stat(s.Path(page, kind))
	return err == nil
}
