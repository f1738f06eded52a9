package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	keychainService     = "storepulse"
	assistantKeyAccount = "assistant_api_key"
	apiTokenAccount     = "api_token"
	apiTokenEnv         = "STOREPULSE_API_TOKEN"
)

// Keychain reads and writes secrets in the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 secrets.json under the XDG data directory elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local API. The
// STOREPULSE_API_TOKEN env var wins; otherwise the token is read from kc,
// and generated and stored there on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(apiTokenEnv); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetAssistantKey stores the assistant API key in kc.
func SetAssistantKey(kc Keychain, key string) error {
	if key == "" {
		return fmt.Errorf("empty API key")
	}
	return kc.Set(keychainService, assistantKeyAccount, key)
}
