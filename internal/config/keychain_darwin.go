//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return []byte(strings.TrimSpace(string(out))), nil
}

func keychainSet(service, account, value string) error {
	// -U updates the item when it already exists.
	return exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run()
}
