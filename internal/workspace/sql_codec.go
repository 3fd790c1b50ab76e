package workspace

import (
	"encoding/json"
	"fmt"
)

func encodeParts(parts []json.RawMessage) (string, error) {
	if parts == nil {
		return "[]", nil
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("%w: message parts: %v", ErrInvalidInput, err)
	}
	return string(data), nil
}

// decodeParts returns nil when the stored value is not a JSON array; such
// messages replay as having no parts.
func decodeParts(data []byte) []json.RawMessage {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil
	}
	return parts
}

func encodePaths(paths []string) (string, error) {
	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePaths(data []byte) []string {
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil
	}
	return paths
}
