package filesource

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// readFile parses the backing file into a nested document. The stat
// taken before the read is returned alongside so the watcher can track
// what it just consumed.
func (s *Source) readFile() (map[string]any, os.FileInfo, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, err
	}

	doc := make(map[string]any)
	switch s.format {
	case "toml":
		err = toml.Unmarshal(data, &doc)
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s file %q: %w", s.format, s.path, err)
	}
	return doc, info, nil
}

func (s *Source) encode(doc map[string]any) ([]byte, error) {
	switch s.format {
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return yaml.Marshal(doc)
	}
}

// flatten walks a nested document and produces slash-separated keys
// with stringified leaf values.
func flatten(doc map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]string, prefix string, node map[string]any) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "/" + key
		}
		switch v := value.(type) {
		case map[string]any:
			flattenInto(out, path, v)
		case map[any]any:
			// Older YAML decoders produce interface keys.
			converted := make(map[string]any, len(v))
			for k, inner := range v {
				converted[fmt.Sprint(k)] = inner
			}
			flattenInto(out, path, converted)
		default:
			out[path] = stringifyLeaf(value)
		}
	}
}

func stringifyLeaf(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339)
	case []any:
		parts := make([]string, len(v))
		for i, elem := range v {
			parts[i] = stringifyLeaf(elem)
		}
		return strings.Join(parts, ",")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// setNested writes a raw string value at a slash-separated path,
// creating intermediate maps as needed. A scalar in the middle of the
// path is replaced by a map.
func setNested(doc map[string]any, key, value string) {
	parts := strings.Split(key, "/")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// atomicWriteFile replaces path via a temp file in the same directory
// so readers never observe a partial write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	tempPath := tempFile.Name()
	defer os.Remove(tempPath) // Clean up on any error

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}
