package config

import "fmt"

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the
// platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

// UnsetKey removes key from the platform backend so its default applies.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), key)
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("cannot set secret %q via config; use `storepulse config set-api-key` or %s", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

func setKey(b Backend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if _, err := s.parse(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return b.Store(key, value)
}

func unsetKey(b Backend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Remove(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
