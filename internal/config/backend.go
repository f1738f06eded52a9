package config

import (
	"os"
	"path/filepath"
)

// Backend is a platform store of raw config values keyed by dotted name
// ("polling.interval"). Typing happens in the key table, so backends only
// move strings.
type Backend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key, raw string) error
	Remove(key string) error
}

// xdgDir resolves an XDG base directory: $env when set, else $HOME/fallback.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return ""
}
