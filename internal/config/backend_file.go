package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// fileBackend keeps config as one flat JSON object. Values may be written
// by hand as JSON numbers or strings; both read back as their text form.
type fileBackend struct {
	path   string
	values map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]any{}}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
			b.values = map[string]any{}
		}
	}
	return b
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	v, ok := b.values[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch val := v.(type) {
	case string:
		return val, true, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(val), true, nil
	}
	return "", true, fmt.Errorf("%s: unsupported value of type %T", key, v)
}

func (b *fileBackend) Store(key, raw string) error {
	b.values[key] = raw
	return b.flush()
}

func (b *fileBackend) Remove(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}

func (b *fileBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}
