package workspace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEvent(t *testing.T) {
	tests := []struct {
		name   string
		part   string
		want   Event
		wantOK bool
	}{
		{
			name:   "write file from input object",
			part:   `{"type":"tool-write_file","input":{"path":"readme.md","content":"Hello"}}`,
			want:   Event{Kind: EventWriteFile, Path: "readme.md", Content: "Hello"},
			wantOK: true,
		},
		{
			name:   "write file falls back to args",
			part:   `{"type":"tool-write_file","args":{"path":"a.txt","content":"x"}}`,
			want:   Event{Kind: EventWriteFile, Path: "a.txt", Content: "x"},
			wantOK: true,
		},
		{
			name:   "null input falls back to args",
			part:   `{"type":"tool-write_file","input":null,"args":{"path":"a.txt","content":"x"}}`,
			want:   Event{Kind: EventWriteFile, Path: "a.txt", Content: "x"},
			wantOK: true,
		},
		{
			name:   "input wins over args",
			part:   `{"type":"tool-delete_file","input":{"path":"in.txt"},"args":{"path":"args.txt"}}`,
			want:   Event{Kind: EventDeleteFile, Path: "in.txt"},
			wantOK: true,
		},
		{
			name:   "json string payload",
			part:   `{"type":"tool-write_file","input":"{\"path\":\"s.txt\",\"content\":\"from string\"}"}`,
			want:   Event{Kind: EventWriteFile, Path: "s.txt", Content: "from string"},
			wantOK: true,
		},
		{
			name:   "missing content defaults to empty",
			part:   `{"type":"tool-write_file","input":{"path":"empty.txt"}}`,
			want:   Event{Kind: EventWriteFile, Path: "empty.txt"},
			wantOK: true,
		},
		{
			name:   "non-string content defaults to empty",
			part:   `{"type":"tool-write_file","input":{"path":"n.txt","content":42}}`,
			want:   Event{Kind: EventWriteFile, Path: "n.txt"},
			wantOK: true,
		},
		{
			name: "apply edits",
			part: `{"type":"tool-apply_edits","input":{"path":"r.md","edits":[{"startLine":1,"endLine":1,"newContent":"Hello World"}]}}`,
			want: Event{Kind: EventApplyEdits, Path: "r.md", Edits: []LineEdit{
				{StartLine: 1, EndLine: 1, NewContent: "Hello World"},
			}},
			wantOK: true,
		},
		{
			name:   "apply edits without edits array",
			part:   `{"type":"tool-apply_edits","input":{"path":"r.md","edits":"nope"}}`,
			want:   Event{Kind: EventApplyEdits, Path: "r.md"},
			wantOK: true,
		},
		{
			name: "malformed edit entries are dropped",
			part: `{"type":"tool-apply_edits","input":{"path":"r.md","edits":[
				"junk",
				{"startLine":"1","endLine":2,"newContent":"bad"},
				{"startLine":2.9,"endLine":3.2,"newContent":7},
				{"startLine":4,"endLine":4,"newContent":"ok"}
			]}}`,
			want: Event{Kind: EventApplyEdits, Path: "r.md", Edits: []LineEdit{
				{StartLine: 2, EndLine: 3, NewContent: ""},
				{StartLine: 4, EndLine: 4, NewContent: "ok"},
			}},
			wantOK: true,
		},
		{name: "unknown type", part: `{"type":"tool-read_file","input":{"path":"a"}}`},
		{name: "text part", part: `{"type":"text","text":"hi"}`},
		{name: "missing type", part: `{"input":{"path":"a"}}`},
		{name: "non-string type", part: `{"type":5,"input":{"path":"a"}}`},
		{name: "part is not an object", part: `"tool-write_file"`},
		{name: "no payload", part: `{"type":"tool-write_file"}`},
		{name: "unparseable string payload", part: `{"type":"tool-apply_edits","input":"{not json"}`},
		{name: "string payload decoding to array", part: `{"type":"tool-write_file","input":"[1,2]"}`},
		{name: "array payload", part: `{"type":"tool-write_file","input":[{"path":"a"}]}`},
		{name: "numeric payload", part: `{"type":"tool-write_file","input":12}`},
		{name: "missing path", part: `{"type":"tool-write_file","input":{"content":"x"}}`},
		{name: "non-string path", part: `{"type":"tool-delete_file","input":{"path":7}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractEvent(json.RawMessage(tt.part))
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Path, got.Path)
			assert.Equal(t, tt.want.Content, got.Content)
			assert.ElementsMatch(t, tt.want.Edits, got.Edits)
		})
	}
}

func TestExtractEventNeverPanics(t *testing.T) {
	inputs := []string{
		``,
		`null`,
		`[]`,
		`{`,
		`{"type":"tool-apply_edits","input":{"path":"a","edits":[null,[],{"startLine":1e400,"endLine":1}]}}`,
		`{"type":"tool-apply_edits","input":"\"nested string\""}`,
	}
	for _, input := range inputs {
		assert.NotPanics(t, func() {
			ExtractEvent(json.RawMessage(input))
		}, input)
	}
}

func TestIsFileEditPart(t *testing.T) {
	assert.True(t, IsFileEditPart(json.RawMessage(`{"type":"tool-apply_edits","input":"garbage"}`)))
	assert.False(t, IsFileEditPart(json.RawMessage(`{"type":"text"}`)))
	assert.False(t, IsFileEditPart(json.RawMessage(`not json`)))
}
