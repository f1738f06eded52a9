//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

func secretsFilePath() string {
	dir := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "storepulse", "secrets.json")
}

// secrets is the on-disk layout: service -> account -> value.
type secrets map[string]map[string]string

func readSecrets(path string) (secrets, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return secrets{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	s := secrets{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return s, nil
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSecrets(secretsFilePath())
	if err != nil {
		return nil, err
	}
	val, ok := s[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	s, err := readSecrets(path)
	if err != nil {
		// An unreadable file is replaced rather than blocking the write.
		s = secrets{}
	}
	if s[service] == nil {
		s[service] = map[string]string{}
	}
	s[service][account] = value

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}
