package workspace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventKind identifies a workspace mutation.
type EventKind string

const (
	EventWriteFile  EventKind = "write_file"
	EventApplyEdits EventKind = "apply_edits"
	EventDeleteFile EventKind = "delete_file"
)

// Part type tags of the tool calls that mutate the workspace.
const (
	PartTypeWriteFile  = "tool-write_file"
	PartTypeApplyEdits = "tool-apply_edits"
	PartTypeDeleteFile = "tool-delete_file"
)

var partTypeKinds = map[string]EventKind{
	PartTypeWriteFile:  EventWriteFile,
	PartTypeApplyEdits: EventApplyEdits,
	PartTypeDeleteFile: EventDeleteFile,
}

// Event is one file mutation recovered from a message part. Content is set
// for EventWriteFile, Edits for EventApplyEdits.
type Event struct {
	Kind    EventKind
	Path    string
	Content string
	Edits   []LineEdit
}

const toolInputSchemaURL = "https://schemas.rewind.dev/tool-input.json"

const toolInputSchemaSource = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string"}
	}
}`

var toolInputSchema = mustCompileSchema(toolInputSchemaURL, toolInputSchemaSource)

func mustCompileSchema(url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", url, err))
	}
	return schema
}

type rawPart struct {
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
	Args  json.RawMessage `json:"args"`
}

// IsFileEditPart reports whether part carries one of the file-mutation tool
// type tags, regardless of whether its payload is well formed.
func IsFileEditPart(part json.RawMessage) bool {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(part, &header); err != nil {
		return false
	}
	_, ok := partTypeKinds[header.Type]
	return ok
}

// ExtractEvent decodes a raw message part into an Event. It reports false
// for parts that are not file mutations or whose payload is unusable; it
// never fails otherwise.
func ExtractEvent(part json.RawMessage) (Event, bool) {
	var raw rawPart
	if err := json.Unmarshal(part, &raw); err != nil {
		return Event{}, false
	}
	kind, ok := partTypeKinds[raw.Type]
	if !ok {
		return Event{}, false
	}

	payloadRaw := raw.Input
	if isAbsentJSON(payloadRaw) {
		payloadRaw = raw.Args
	}
	payload, ok := decodeToolInput(payloadRaw)
	if !ok {
		return Event{}, false
	}
	if err := toolInputSchema.Validate(payload); err != nil {
		return Event{}, false
	}
	path, _ := payload["path"].(string)

	event := Event{Kind: kind, Path: path}
	switch kind {
	case EventWriteFile:
		event.Content, _ = payload["content"].(string)
	case EventApplyEdits:
		event.Edits = decodeLineEdits(payload["edits"])
	}
	return event, true
}

func isAbsentJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeToolInput accepts either a JSON object or a string holding a JSON
// object.
func decodeToolInput(raw json.RawMessage) (map[string]any, bool) {
	if isAbsentJSON(raw) {
		return nil, false
	}
	value, err := decodeJSONValue(raw)
	if err != nil {
		return nil, false
	}
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case string:
		inner, err := decodeJSONValue([]byte(typed))
		if err != nil {
			return nil, false
		}
		obj, ok := inner.(map[string]any)
		return obj, ok
	default:
		return nil, false
	}
}

func decodeJSONValue(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return value, nil
}

// decodeLineEdits keeps the entries that carry numeric line bounds and drops
// the rest. A missing or non-string newContent becomes the empty string.
func decodeLineEdits(value any) []LineEdit {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	edits := make([]LineEdit, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		start, ok := lineNumber(obj["startLine"])
		if !ok {
			continue
		}
		end, ok := lineNumber(obj["endLine"])
		if !ok {
			continue
		}
		newContent, _ := obj["newContent"].(string)
		edits = append(edits, LineEdit{StartLine: start, EndLine: end, NewContent: newContent})
	}
	return edits
}

const maxLineNumber = 1 << 31

func lineNumber(value any) (int, bool) {
	number, ok := value.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := number.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Trunc(f)
	if f > maxLineNumber {
		f = maxLineNumber
	}
	if f < -maxLineNumber {
		f = -maxLineNumber
	}
	return int(f), true
}
