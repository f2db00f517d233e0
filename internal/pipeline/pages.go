package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParsePageRange parses a page selection like "5", "3-7" or "1,4,9-12" into
// a sorted, de-duplicated list of 1-based page numbers. An empty spec means
// the whole document and returns nil.
func ParsePageRange(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	seen := map[int]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseRangePart(part)
		if err != nil {
			return nil, err
		}
		for p := lo; p <= hi; p++ {
			seen[p] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty page selection %q", spec)
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

func parseRangePart(part string) (int, int, error) {
	if lo, hi, ok := strings.Cut(part, "-"); ok {
		a, err := parsePageNumber(lo)
		if err != nil {
			return 0, 0, err
		}
		b, err := parsePageNumber(hi)
		if err != nil {
			return 0, 0, err
		}
		if b < a {
			return 0, 0, fmt.Errorf("invalid page range %q: end before start", part)
		}
		return a, b, nil
	}
	p, err := parsePageNumber(part)
	return p, p, err
}

func parsePageNumber(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 {
		return 0, fmt.Errorf("invalid page number %q", s)
	}
	return p, nil
}
