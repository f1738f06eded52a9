// Package feature defines the fixed set of conversational contexts and the
// thread binding each of them owns.
package feature

import (
	"fmt"
	"strings"
)

// Feature identifies an isolated conversational context.
type Feature string

const (
	General  Feature = "general"
	Keywords Feature = "keywords"
	AppStore Feature = "appStore"
)

// All returns every feature in display order.
func All() []Feature {
	return []Feature{General, Keywords, AppStore}
}

// Valid reports whether f is one of the known features.
func (f Feature) Valid() bool {
	switch f {
	case General, Keywords, AppStore:
		return true
	}
	return false
}

func (f Feature) String() string { return string(f) }

// Parse resolves a feature name case-insensitively. "app-store" and
// "app_store" are accepted as spellings of AppStore.
func Parse(s string) (Feature, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "", "_", "").Replace(norm)
	switch norm {
	case "general":
		return General, nil
	case "keywords":
		return Keywords, nil
	case "appstore":
		return AppStore, nil
	}
	return "", fmt.Errorf("unknown feature %q (want one of general, keywords, appStore)", s)
}

// ThreadBinding ties a feature to the remote thread and assistant it talks to.
type ThreadBinding struct {
	Feature     Feature `json:"feature"`
	ThreadID    string  `json:"thread_id"`
	AssistantID string  `json:"assistant_id"`
}

// Defaults holds the well-known thread and assistant per feature. A
// feature with no stored binding falls back to its entry here.
type Defaults map[Feature]ThreadBinding

// For returns the default binding for f. Unknown features yield a binding
// with empty identifiers.
func (d Defaults) For(f Feature) ThreadBinding {
	b, ok := d[f]
	if !ok {
		return ThreadBinding{Feature: f}
	}
	b.Feature = f
	return b
}

// IsDefaultThread reports whether threadID is f's well-known default.
func (d Defaults) IsDefaultThread(f Feature, threadID string) bool {
	def := d.For(f)
	return def.ThreadID != "" && def.ThreadID == threadID
}
