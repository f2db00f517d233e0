package providers

import (
	"fmt"
	"strings"
)

// SystemInstruction frames every extraction call.
const SystemInstruction = "You are a document parser extracting math exercises from scanned textbook pages. Accuracy and completeness matter more than brevity. Always answer with valid JSON and nothing else."

const standardPromptFmt = `Look at page %d of a scanned math textbook.

Extract every task (exercise, problem, example to solve) on the page.

Answer with JSON exactly in this shape:
{
  "page_number": %d,
  "tasks": [
    {
      "task_number": "1",
      "task_text": "full task text: condition, data and question",
      "has_image": false,
      "confidence": 0.95
    }
  ],
  "page_info": {
    "total_tasks": 1
  }
}

Rules:
- If a task number is not clearly visible, use "unknown".
- task_text must contain the COMPLETE task in its original language.
- has_image is true when the task relies on a drawing, diagram, table or chart.
- confidence is your extraction confidence between 0 and 1.
- Ignore page headers, page numbers and the book title.
- Answer ONLY with valid JSON, no commentary before or after.`

const exerciseListPromptFmt = `Page %d of a scanned math textbook contains a list of short numbered exercises.

Extract each exercise or example as a separate task. Keep letter suffixes
(a, b, c) in task numbers and reproduce arithmetic expressions exactly.

Answer with JSON exactly in this shape:
{
  "page_number": %d,
  "tasks": [
    {"task_number": "1a", "task_text": "2 + 3 = ?", "has_image": false, "confidence": 0.98}
  ],
  "page_info": {"total_tasks": 1}
}

Answer ONLY with valid JSON.`

const fallbackPromptFmt = `Look at page %d and find the math tasks.

Return each task in this simple JSON shape:
{
  "page_number": %d,
  "tasks": [
    {"task_number": "1", "task_text": "task text", "has_image": false, "confidence": 0.7}
  ],
  "page_info": {"total_tasks": 1}
}

Only JSON, nothing else.`

// SelectPrompt picks a template from a best-effort plain-text hint of the
// page. Pages dominated by short numbered lines get the exercise-list
// template; everything else gets the standard one.
func SelectPrompt(page int, hint string) string {
	if looksLikeExerciseList(hint) {
		return fmt.Sprintf(exerciseListPromptFmt, page, page)
	}
	return fmt.Sprintf(standardPromptFmt, page, page)
}

// FallbackPrompt is the simplified template used for the single re-ask after
// a parse failure.
func FallbackPrompt(page int) string {
	return fmt.Sprintf(fallbackPromptFmt, page, page)
}

func looksLikeExerciseList(hint string) bool {
	if hint == "" {
		return false
	}
	numbered := 0
	total := 0
	for _, line := range strings.Split(hint, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		total++
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' && len(line) < 40 {
			numbered++
		}
	}
	return total >= 4 && numbered*2 > total
}
