package assistant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RunStatus is the lifecycle state of a run as reported by the remote service.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further status transitions will happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

// Succeeded reports whether the run produced a response.
func (s RunStatus) Succeeded() bool { return s == RunCompleted }

// Run is one execution of an assistant against a thread.
type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      RunStatus `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
}

// RunError is the failure detail attached to a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is a thread message with its content flattened to text.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TestResult is the outcome of probing a thread/assistant pair.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

var (
	// ErrNotFound is matched by an *APIError with status 404.
	ErrNotFound = errors.New("not found")
	// ErrRunFailed is returned when a run ends in a non-successful terminal state.
	ErrRunFailed = errors.New("run failed")
)

// APIError is a non-2xx response from the remote service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// Content is the wire shape of message content: either a bare string or a
// list of typed parts. It is resolved once, at decode time, into text.
type Content struct {
	text  string
	parts []ContentPart
}

// ContentPart is one element of list-shaped content.
type ContentPart struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
	ImageFile *struct {
		FileID string `json:"file_id"`
	} `json:"image_file,omitempty"`
}

// TextContent builds string-shaped content.
func TextContent(s string) Content { return Content{text: s} }

// PartsContent builds list-shaped content.
func PartsContent(parts ...ContentPart) Content { return Content{parts: parts} }

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextContent(s)
		return nil
	case data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = PartsContent(parts...)
		return nil
	}
	return fmt.Errorf("unsupported content shape: %.20s", data)
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

// String returns the canonical text: the string itself, or the text parts
// joined by blank lines. Non-text parts are rendered as a short marker.
func (c Content) String() string {
	if c.parts == nil {
		return c.text
	}
	var out []string
	for _, p := range c.parts {
		switch {
		case p.Type == "text" && p.Text != nil:
			out = append(out, p.Text.Value)
		case p.Type == "image_file" && p.ImageFile != nil:
			out = append(out, "[image "+p.ImageFile.FileID+"]")
		}
	}
	return strings.Join(out, "\n\n")
}

// wireMessage mirrors a message object as returned by the API.
type wireMessage struct {
	ID        string  `json:"id"`
	ThreadID  string  `json:"thread_id"`
	Role      Role    `json:"role"`
	Content   Content `json:"content"`
	CreatedAt int64   `json:"created_at"`
}

func (w wireMessage) resolve() Message {
	return Message{
		ID:        w.ID,
		ThreadID:  w.ThreadID,
		Role:      w.Role,
		Content:   w.Content.String(),
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
	}
}
