package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	rollbackBodySchema = mustCompileBodySchema("https://schemas.rewind.dev/http/rollback.json", `{
	"type": "object",
	"required": ["upToSequenceNumber"],
	"properties": {
		"upToSequenceNumber": {"type": "integer", "minimum": 0}
	}
}`)

	revertHunksBodySchema = mustCompileBodySchema("https://schemas.rewind.dev/http/revert-hunks.json", `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	}
}`)
)

func mustCompileBodySchema(url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("parse body schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add body schema %s: %v", url, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile body schema %s: %v", url, err))
	}
	return schema
}

// decodeJSONBody reads the request body, checks it against schema and
// decodes it into dst. It writes the error response itself and reports
// whether the handler may continue.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, schema *jsonschema.Schema, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	if err := schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+validationSummary(err), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// validationSummary keeps the first line of a schema validation error.
func validationSummary(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
