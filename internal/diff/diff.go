// Package diff produces line-oriented hunks between two versions of a file.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// MaxDiffLines bounds the combined size of inputs that Hunks will diff.
const MaxDiffLines = 20000

type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"oldLine,omitempty"`
	NewLine int    `json:"newLine,omitempty"`
}

type Hunk struct {
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Lines    []Line `json:"lines"`
}

// Stats counts added and removed lines.
type Stats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// Lines returns every line of before and after annotated as context,
// added or removed.
func Lines(before, after string) []Line {
	var table lineTable
	beforeRunes := table.encode(before)
	afterRunes := table.encode(after)
	diffs := diffmatchpatch.New().DiffMainRunes(beforeRunes, afterRunes, false)

	var lines []Line
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		for _, r := range d.Text {
			text := strings.TrimSuffix(table.line(r), "\n")
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: text, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: text, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: text, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// lineTable maps each distinct line, newline included, to a single rune so
// the character diff works on whole lines. Runes start at 1 and skip the
// surrogate range, which does not survive a round trip through string.
type lineTable struct {
	lines []string
	index map[string]rune
}

func (t *lineTable) encode(text string) []rune {
	if t.index == nil {
		t.index = map[string]rune{}
	}
	var out []rune
	for text != "" {
		end := strings.IndexByte(text, '\n') + 1
		if end == 0 {
			end = len(text)
		}
		line := text[:end]
		text = text[end:]
		r, ok := t.index[line]
		if !ok {
			t.lines = append(t.lines, line)
			r = rune(len(t.lines))
			if r >= surrogateMin {
				r += surrogateMax - surrogateMin + 1
			}
			t.index[line] = r
		}
		out = append(out, r)
	}
	return out
}

const (
	surrogateMin = 0xD800
	surrogateMax = 0xDFFF
)

func (t *lineTable) line(r rune) string {
	if r > surrogateMax {
		r -= surrogateMax - surrogateMin + 1
	}
	return t.lines[r-1]
}

// Hunks groups the changed lines between before and after into hunks with
// up to context unchanged lines on each side. Identical inputs yield nil.
// The second result is true when the inputs exceed MaxDiffLines and no
// diff was computed.
func Hunks(before, after string, context int) ([]Hunk, bool) {
	if lineCount(before)+lineCount(after) > MaxDiffLines {
		return nil, true
	}
	if context < 0 {
		context = DefaultContext
	}
	return group(Lines(before, after), context), false
}

// Summarize counts the added and removed lines of hunks.
func Summarize(hunks []Hunk) Stats {
	var stats Stats
	for _, hunk := range hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case LineAdded:
				stats.Added++
			case LineRemoved:
				stats.Removed++
			}
		}
	}
	return stats
}

func group(lines []Line, context int) []Hunk {
	var hunks []Hunk
	i := 0
	for i < len(lines) {
		if lines[i].Type == LineContext {
			i++
			continue
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		end := i
		for end < len(lines) {
			if lines[end].Type != LineContext {
				end++
				continue
			}
			run := end
			for run < len(lines) && lines[run].Type == LineContext {
				run++
			}
			// Merge with the next change when the gap fits in both contexts.
			if run < len(lines) && run-end <= 2*context {
				end = run
				continue
			}
			end += context
			if end > run {
				end = run
			}
			break
		}
		hunks = append(hunks, newHunk(lines[start:end]))
		i = end
	}
	return hunks
}

func newHunk(lines []Line) Hunk {
	hunk := Hunk{Lines: append([]Line(nil), lines...)}
	for _, line := range lines {
		switch line.Type {
		case LineContext:
			hunk.OldLines++
			hunk.NewLines++
		case LineRemoved:
			hunk.OldLines++
		case LineAdded:
			hunk.NewLines++
		}
		if hunk.OldStart == 0 && line.OldLine > 0 {
			hunk.OldStart = line.OldLine
		}
		if hunk.NewStart == 0 && line.NewLine > 0 {
			hunk.NewStart = line.NewLine
		}
	}
	return hunk
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
