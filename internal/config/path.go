package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// pathSeg is one segment of a dotted/bracket config path:
// "agents.list[0].model.fallbacks" → {agents} {list} {0} {model} {fallbacks}.
type pathSeg struct {
	key     string
	index   int
	isIndex bool
}

func parsePath(path string) ([]pathSeg, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("config path %q has an empty segment", path)
		}
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, pathSeg{key: part})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSeg{key: part[:open]})
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("config path %q has an unterminated bracket", path)
			}
			idx, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("config path %q has an invalid index %q", path, part[open+1:closeIdx])
			}
			segs = append(segs, pathSeg{index: idx, isIndex: true})
			part = part[closeIdx+1:]
			if part == "" {
				break
			}
		}
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty config path")
	}
	return segs, nil
}

// GetPath reads a value from the raw config file by dotted/bracket path.
func GetPath(homeDir, path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	root, err := loadRaw(ConfigPath(homeDir))
	if err != nil {
		return nil, err
	}
	return getAtPath(root, segs, path)
}

// SetPath writes a value into the raw config file by dotted/bracket path,
// creating intermediate objects as needed. The write is atomic. Value is
// parsed as JSON when possible, else stored as a plain string.
func SetPath(homeDir, path string, rawValue string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	root, err := loadRaw(ConfigPath(homeDir))
	if err != nil {
		return err
	}
	value := parseValue(rawValue)
	newRoot, err := setAtPath(root, segs, value, path)
	if err != nil {
		return err
	}
	return saveRaw(ConfigPath(homeDir), newRoot)
}

// parseValue interprets a CLI-supplied value: valid JSON is stored typed
// (numbers, bools, arrays, objects, null), anything else as a string.
func parseValue(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		return v
	}
	return raw
}

func getAtPath(node any, segs []pathSeg, fullPath string) (any, error) {
	for _, seg := range segs {
		if seg.isIndex {
			arr, ok := node.([]any)
			if !ok {
				return nil, fmt.Errorf("config path %q: indexing a non-array", fullPath)
			}
			if seg.index >= len(arr) {
				return nil, fmt.Errorf("config path %q: index %d out of range (len %d)", fullPath, seg.index, len(arr))
			}
			node = arr[seg.index]
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config path %q: key %q on a non-object", fullPath, seg.key)
		}
		child, ok := obj[seg.key]
		if !ok {
			return nil, fmt.Errorf("config path %q: key %q not found", fullPath, seg.key)
		}
		node = child
	}
	return node, nil
}

func setAtPath(node any, segs []pathSeg, value any, fullPath string) (any, error) {
	seg := segs[0]
	last := len(segs) == 1

	if seg.isIndex {
		arr, ok := node.([]any)
		if node == nil {
			arr, ok = []any{}, true
		}
		if !ok {
			return nil, fmt.Errorf("config path %q: indexing a non-array", fullPath)
		}
		// Allow appending exactly one past the end.
		if seg.index > len(arr) {
			return nil, fmt.Errorf("config path %q: index %d out of range (len %d)", fullPath, seg.index, len(arr))
		}
		out := make([]any, len(arr))
		copy(out, arr)
		if seg.index == len(out) {
			out = append(out, nil)
		}
		if last {
			out[seg.index] = value
			return out, nil
		}
		child, err := setAtPath(out[seg.index], segs[1:], value, fullPath)
		if err != nil {
			return nil, err
		}
		out[seg.index] = child
		return out, nil
	}

	obj, ok := node.(map[string]any)
	if node == nil {
		obj, ok = map[string]any{}, true
	}
	if !ok {
		return nil, fmt.Errorf("config path %q: key %q on a non-object", fullPath, seg.key)
	}
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	if last {
		out[seg.key] = value
		return out, nil
	}
	child, err := setAtPath(out[seg.key], segs[1:], value, fullPath)
	if err != nil {
		return nil, err
	}
	out[seg.key] = child
	return out, nil
}

// loadRaw reads the config file into a generic tree, returning an empty
// object when the file does not exist. Numbers decode as json.Number so
// integer ids survive a get/set round-trip unchanged.
func loadRaw(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return root, nil
}

func saveRaw(path string, root any) error {
	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	out = append(out, '\n')
	return writeFileAtomic(path, out, 0o644)
}
