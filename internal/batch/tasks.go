package batch

import (
	"regexp"
	"strings"
)

// uncheckedRe matches a markdown task line that is not yet done.
var uncheckedRe = regexp.MustCompile(`^(\s*[-*+]\s+)\[ \]\s+(.+?)\s*$`)

// Task is one unit of a run. Line is the index of the checkbox line in the
// document, or -1 when the whole document is the task.
type Task struct {
	Text string `json:"text"`
	Line int    `json:"line"`
}

// ParseTasks returns the unchecked checkbox items of doc in order. A
// document without any is a single task.
func ParseTasks(doc string) []Task {
	var tasks []Task
	for i, line := range strings.Split(doc, "\n") {
		if m := uncheckedRe.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, Task{Text: m[2], Line: i})
		}
	}
	if len(tasks) == 0 {
		return []Task{{Text: strings.TrimSpace(doc), Line: -1}}
	}
	return tasks
}

// CheckOff marks the checkbox of t as done in doc.
func CheckOff(doc string, t Task) string {
	if t.Line < 0 {
		return doc
	}
	lines := strings.Split(doc, "\n")
	if t.Line >= len(lines) {
		return doc
	}
	lines[t.Line] = strings.Replace(lines[t.Line], "[ ]", "[x]", 1)
	return strings.Join(lines, "\n")
}

// composePrompt builds the prompt sent for one task.
func composePrompt(prompt, doc string, t Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	if t.Line < 0 {
		if doc := strings.TrimSpace(doc); doc != "" {
			b.WriteString("\n\n")
			b.WriteString(doc)
		}
		return strings.TrimSpace(b.String())
	}
	b.WriteString("\n\n## Context\n\n")
	b.WriteString(strings.TrimSpace(doc))
	b.WriteString("\n\n## Current task\n\n")
	b.WriteString(t.Text)
	return strings.TrimSpace(b.String())
}
