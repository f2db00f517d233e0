// Package extract turns a raw model response into validated task rows.
// Parsing is strict about shape (that is what the fallback prompt exists
// for) but lenient about content: individual bad tasks are dropped with a
// warning instead of failing the page.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"mathscan/internal/models"
	"mathscan/internal/util"
)

// ParseError marks a response that cannot be interpreted as the expected
// structured shape. The pipeline answers it with one fallback-prompt retry.
type ParseError struct {
	Page int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("page %d: response not in expected shape: %v", e.Page, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type rawTask struct {
	TaskNumber json.RawMessage `json:"task_number"`
	TaskText   string          `json:"task_text"`
	HasImage   bool            `json:"has_image"`
	Confidence *float64        `json:"confidence"`
}

type rawResponse struct {
	PageNumber int        `json:"page_number"`
	Tasks      *[]rawTask `json:"tasks"`
	PageInfo   struct {
		TotalTasks *int `json:"total_tasks"`
	} `json:"page_info"`
}

// ParsePage decodes one page's model response. Returned tasks carry the
// given page number; placeholder numbering restarts at unknown-1 on every
// page so placeholders stay unique within a page.
func ParsePage(raw string, page int) ([]models.Task, []string, error) {
	raw = stripCodeFence(strings.TrimSpace(raw))
	if raw == "" {
		return nil, nil, &ParseError{Page: page, Err: fmt.Errorf("empty response")}
	}
	var resp rawResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, nil, &ParseError{Page: page, Err: err}
	}
	if resp.Tasks == nil {
		return nil, nil, &ParseError{Page: page, Err: fmt.Errorf("missing tasks field")}
	}

	var warnings []string
	unknownCounter := 0
	tasks := make([]models.Task, 0, len(*resp.Tasks))
	for i, rt := range *resp.Tasks {
		text := CleanTaskText(rt.TaskText)
		if text == "" {
			warnings = append(warnings, fmt.Sprintf("task %d dropped: empty text after cleaning", i))
			continue
		}
		number := cleanTaskNumber(decodeTaskNumber(rt.TaskNumber))
		if number == "" {
			unknownCounter++
			number = fmt.Sprintf("unknown-%d", unknownCounter)
		}
		t := models.Task{
			PageNumber: page,
			TaskNumber: number,
			TaskText:   text,
			HasImage:   rt.HasImage,
		}
		if rt.Confidence != nil && *rt.Confidence >= 0 && *rt.Confidence <= 1 {
			c := *rt.Confidence
			t.Confidence = &c
		}
		tasks = append(tasks, t)
	}

	if want := resp.PageInfo.TotalTasks; want != nil && *want != len(tasks) {
		warnings = append(warnings, fmt.Sprintf("model reported %d tasks but %d were extracted", *want, len(tasks)))
	}
	return tasks, warnings, nil
}

// decodeTaskNumber tolerates numbers arriving as JSON strings or numbers.
func decodeTaskNumber(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strings.TrimSuffix(fmt.Sprintf("%v", n), ".0")
	}
	return ""
}

var taskNumberJunk = regexp.MustCompile(`[^\p{L}\p{N}\-.№]`)

// cleanTaskNumber strips junk and maps the model's "no number" spellings to
// the empty string so the caller synthesizes a placeholder.
func cleanTaskNumber(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "unknown", "null", "none":
		return ""
	}
	return taskNumberJunk.ReplaceAllString(s, "")
}

var (
	wsRun         = regexp.MustCompile(`\s+`)
	bulletChars   = regexp.MustCompile("[•·▪▫■□▲△]")
	pipeRun       = regexp.MustCompile(`\|+`)
	underscoreRun = regexp.MustCompile(`_{2,}`)
	operatorRun   = regexp.MustCompile(`\s*([+\-×÷=<>≤≥])\s*`)
	leadingJunk   = regexp.MustCompile(`^[^\p{L}\p{N}№]+`)
	trailingJunk  = regexp.MustCompile(`[^\p{L}\p{N}?.!]+$`)
)

// CleanTaskText normalizes raw task text: collapses whitespace, strips
// common OCR artifacts, normalizes spacing around arithmetic operators, and
// trims leading/trailing junk. Cyrillic and other letters pass through
// untouched.
func CleanTaskText(text string) string {
	text = util.SanitizeText(text)
	if text == "" {
		return ""
	}
	text = wsRun.ReplaceAllString(text, " ")
	text = bulletChars.ReplaceAllString(text, "")
	text = pipeRun.ReplaceAllString(text, " ")
	text = underscoreRun.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "−", "-")
	text = operatorRun.ReplaceAllString(text, " $1 ")
	text = wsRun.ReplaceAllString(text, " ")
	text = leadingJunk.ReplaceAllString(text, "")
	text = trailingJunk.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func stripCodeFence(s string) string {
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
