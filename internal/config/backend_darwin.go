//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.storepulse.app"

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "storepulse")
	}
	return "storepulse-data"
}

func apiKeyHint() string {
	return " or `storepulse config set-api-key` (macOS Keychain, service storepulse)"
}

// defaultsBackend stores values in UserDefaults through the defaults CLI.
// Everything is written as a string; the key table does the typing.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	raw := strings.TrimSpace(string(out))
	if err != nil {
		// Exit status 1 means the domain or key does not exist.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, raw)
	}
	return raw, true, nil
}

func (b defaultsBackend) Store(key, raw string) error {
	if out, err := exec.Command("defaults", "write", b.domain, key, "-string", raw).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b defaultsBackend) Remove(key string) error {
	if _, ok, err := b.Lookup(key); err != nil || !ok {
		return err
	}
	return exec.Command("defaults", "delete", b.domain, key).Run()
}
