package workspace

import (
	"sort"
	"strings"
)

// LineEdit replaces the 1-based inclusive line range [StartLine, EndLine]
// with NewContent. An empty NewContent deletes the range.
type LineEdit struct {
	StartLine  int    `json:"startLine"`
	EndLine    int    `json:"endLine"`
	NewContent string `json:"newContent"`
}

// ApplyLineEdits applies edits to content and returns the patched text.
//
// Edits are applied bottom-up, ordered by EndLine descending, so earlier
// line numbers stay valid while later ranges are rewritten. Overlapping
// edits are not rejected: whichever is applied last wins. Line numbers
// outside the document are clamped rather than treated as errors.
func ApplyLineEdits(content string, edits []LineEdit) string {
	if len(edits) == 0 {
		return content
	}
	ordered := make([]LineEdit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].EndLine > ordered[j].EndLine
	})

	lines := strings.Split(content, "\n")
	for _, edit := range ordered {
		lines = spliceLines(lines, edit)
	}
	return strings.Join(lines, "\n")
}

func spliceLines(lines []string, edit LineEdit) []string {
	start := edit.StartLine - 1
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}
	count := edit.EndLine - edit.StartLine + 1
	if remaining := len(lines) - start; count > remaining {
		count = remaining
	}
	if count < 0 {
		count = 0
	}

	var replacement []string
	if edit.NewContent != "" {
		replacement = strings.Split(edit.NewContent, "\n")
	}

	out := make([]string, 0, len(lines)-count+len(replacement))
	out = append(out, lines[:start]...)
	out = append(out, replacement...)
	out = append(out, lines[start+count:]...)
	return out
}
