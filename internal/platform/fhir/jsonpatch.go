package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PatchOperation is a single JSON Patch operation (RFC 6902).
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// ParseJSONPatch parses a JSON Patch document from raw JSON.
func ParseJSONPatch(data []byte) ([]PatchOperation, error) {
	var ops []PatchOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, NewValidationError("invalid JSON Patch document: %v", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, NewValidationError("patch operation %d: missing 'op' field", i)
		}
		if op.Path == "" {
			return nil, NewValidationError("patch operation %d: missing 'path' field", i)
		}
	}
	return ops, nil
}

// ApplyJSONPatch applies a JSON Patch to a document and returns the patched
// copy. Any operation that cannot be applied (missing path, failed test,
// bad index) fails the whole patch; the input document is never modified.
func ApplyJSONPatch(doc Resource, ops []PatchOperation) (Resource, error) {
	result := DeepCopy(doc)

	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = patchAdd(result, op.Path, op.Value)
		case "remove":
			err = patchRemove(result, op.Path)
		case "replace":
			err = patchReplace(result, op.Path, op.Value)
		case "move":
			err = patchMove(result, op.From, op.Path)
		case "copy":
			err = patchCopy(result, op.From, op.Path)
		case "test":
			err = patchTest(result, op.Path, op.Value)
		default:
			err = fmt.Errorf("unknown operation %q", op.Op)
		}
		if err != nil {
			return nil, NewValidationError("patch operation %d (%s %s) failed: %v", i, op.Op, op.Path, err)
		}
	}

	return result, nil
}

func patchAdd(doc Resource, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutateAtPath(doc, parts, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			p[key] = value
			return p, nil
		case []interface{}:
			if key == "-" {
				return append(p, value), nil
			}
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", key)
			}
			if idx < 0 || idx > len(p) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			out := make([]interface{}, 0, len(p)+1)
			out = append(out, p[:idx]...)
			out = append(out, value)
			out = append(out, p[idx:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot add into non-container at %q", key)
		}
	})
}

func patchRemove(doc Resource, path string) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutateAtPath(doc, parts, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			if _, ok := p[key]; !ok {
				return nil, fmt.Errorf("path not found")
			}
			delete(p, key)
			return p, nil
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", key)
			}
			if idx < 0 || idx >= len(p) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			out := make([]interface{}, 0, len(p)-1)
			out = append(out, p[:idx]...)
			out = append(out, p[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot remove from non-container at %q", key)
		}
	})
}

func patchReplace(doc Resource, path string, value interface{}) error {
	parts, err := splitPointer(path)
	if err != nil {
		return err
	}
	return mutateAtPath(doc, parts, func(parent interface{}, key string) (interface{}, error) {
		switch p := parent.(type) {
		case map[string]interface{}:
			if _, ok := p[key]; !ok {
				return nil, fmt.Errorf("path not found")
			}
			p[key] = value
			return p, nil
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", key)
			}
			if idx < 0 || idx >= len(p) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			p[idx] = value
			return p, nil
		default:
			return nil, fmt.Errorf("cannot replace in non-container at %q", key)
		}
	})
}

func patchMove(doc Resource, from, path string) error {
	value, err := valueAtPath(doc, from)
	if err != nil {
		return fmt.Errorf("move from: %w", err)
	}
	if err := patchRemove(doc, from); err != nil {
		return fmt.Errorf("move remove: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchCopy(doc Resource, from, path string) error {
	value, err := valueAtPath(doc, from)
	if err != nil {
		return fmt.Errorf("copy from: %w", err)
	}
	return patchAdd(doc, path, value)
}

func patchTest(doc Resource, path string, expected interface{}) error {
	actual, err := valueAtPath(doc, path)
	if err != nil {
		return fmt.Errorf("test: %w", err)
	}
	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return fmt.Errorf("test failed: expected %s, got %s", expectedJSON, actualJSON)
	}
	return nil
}

// mutateAtPath walks to the parent container of the pointer's final token and
// applies fn to it. fn returns the (possibly re-allocated) container, which is
// written back so array growth propagates to the document.
func mutateAtPath(doc Resource, parts []string, fn func(parent interface{}, key string) (interface{}, error)) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}

	var walk func(node interface{}, parts []string) (interface{}, error)
	walk = func(node interface{}, parts []string) (interface{}, error) {
		if len(parts) == 1 {
			return fn(node, parts[0])
		}
		switch n := node.(type) {
		case map[string]interface{}:
			child, ok := n[parts[0]]
			if !ok {
				return nil, fmt.Errorf("path not found at segment %q", parts[0])
			}
			updated, err := walk(child, parts[1:])
			if err != nil {
				return nil, err
			}
			n[parts[0]] = updated
			return n, nil
		case []interface{}:
			idx, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", parts[0])
			}
			if idx < 0 || idx >= len(n) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			updated, err := walk(n[idx], parts[1:])
			if err != nil {
				return nil, err
			}
			n[idx] = updated
			return n, nil
		default:
			return nil, fmt.Errorf("cannot traverse into non-container at %q", parts[0])
		}
	}

	_, err := walk(doc, parts)
	return err
}

// valueAtPath resolves a JSON pointer to its value.
func valueAtPath(doc Resource, path string) (interface{}, error) {
	parts, err := splitPointer(path)
	if err != nil {
		return nil, err
	}

	var current interface{} = doc
	for _, part := range parts {
		switch c := current.(type) {
		case map[string]interface{}:
			next, ok := c[part]
			if !ok {
				return nil, fmt.Errorf("path not found at segment %q", part)
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid array index %q", part)
			}
			if idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("array index %d out of bounds", idx)
			}
			current = c[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into non-container at %q", part)
		}
	}
	return current, nil
}

// splitPointer splits an RFC 6901 pointer into unescaped tokens.
func splitPointer(path string) ([]string, error) {
	if path == "" || path == "/" {
		return nil, fmt.Errorf("cannot address the root document")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must start with '/'")
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, nil
}
