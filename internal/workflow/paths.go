// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// toGJSONPath converts a "$.a.b[0]" reference into gjson's "a.b.0" form.
// "$" maps to the empty path, meaning the whole document.
func toGJSONPath(path string) (string, error) {
	if path == "" || path == "$" {
		return "", nil
	}
	if !strings.HasPrefix(path, "$") {
		return "", fmt.Errorf("workflow: path %q must start with $", path)
	}
	rest := strings.TrimPrefix(path, "$")
	rest = strings.TrimPrefix(rest, ".")
	var b strings.Builder
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case '[':
			if b.Len() > 0 {
				b.WriteByte('.')
			}
		case ']':
			// closed by the next '.'/'[' or end of string
		default:
			b.WriteByte(rest[i])
		}
	}
	return b.String(), nil
}

// applyPath projects doc through a JSON-path. An empty or "$" path is the
// identity; a missing path is an error (state failure per the
// InputPath/OutputPath contract).
func applyPath(doc []byte, path string) ([]byte, error) {
	gp, err := toGJSONPath(path)
	if err != nil {
		return nil, err
	}
	if gp == "" {
		return doc, nil
	}
	result := gjson.GetBytes(doc, gp)
	if !result.Exists() {
		return nil, fmt.Errorf("workflow: path %q matched nothing", path)
	}
	return []byte(result.Raw), nil
}

// setAtPath deep-copies input and injects result at path. Setting an
// index past a list's length extends the list (intermediate slots are
// null-filled).
func setAtPath(input []byte, path string, result []byte) ([]byte, error) {
	gp, err := toGJSONPath(path)
	if err != nil {
		return nil, err
	}
	if gp == "" {
		return result, nil
	}
	out, err := sjson.SetRawBytes(append([]byte(nil), input...), gp, result)
	if err != nil {
		return nil, fmt.Errorf("workflow: set %q: %w", path, err)
	}
	return out, nil
}

// applyTemplate resolves a Parameters / ResultSelector template against
// doc. Keys ending in ".$" have string values interpreted as JSON-paths
// into doc ("$..." ) or the context object ("$$...").
func applyTemplate(template json.RawMessage, doc []byte, contextObj []byte) ([]byte, error) {
	var tree interface{}
	if err := json.Unmarshal(template, &tree); err != nil {
		return nil, fmt.Errorf("workflow: parse template: %w", err)
	}
	resolved, err := resolveTemplateNode(tree, doc, contextObj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveTemplateNode(node interface{}, doc, contextObj []byte) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, value := range v {
			if strings.HasSuffix(key, ".$") {
				pathStr, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("workflow: template key %q wants a path string, got %T", key, value)
				}
				target := doc
				if strings.HasPrefix(pathStr, "$$") {
					target = contextObj
					pathStr = strings.TrimPrefix(pathStr, "$")
				}
				projected, err := applyPath(target, pathStr)
				if err != nil {
					return nil, err
				}
				var decoded interface{}
				if err := json.Unmarshal(projected, &decoded); err != nil {
					return nil, err
				}
				out[strings.TrimSuffix(key, ".$")] = decoded
				continue
			}
			resolved, err := resolveTemplateNode(value, doc, contextObj)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := resolveTemplateNode(item, doc, contextObj)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// isJSONNull reports whether raw is the literal null (for ResultPath's
// null-vs-absent distinction).
func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
