//go:build !darwin

package config

import "path/filepath"

func defaultDataDir() string {
	if dir := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")); dir != "" {
		return filepath.Join(dir, "storepulse")
	}
	return "storepulse-data"
}

func apiKeyHint() string {
	return " or `storepulse config set-api-key` (stored in " + secretsFilePath() + ")"
}

func newPlatformBackend() Backend {
	return newFileBackend(configFilePath())
}

func configFilePath() string {
	dir := xdgDir("XDG_CONFIG_HOME", ".config")
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "storepulse", "config.json")
}
