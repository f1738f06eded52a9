package session

import (
	"errors"
	"fmt"
)

// ErrSendTimeout is wrapped by a SendError when a run outlives the send
// ceiling.
var ErrSendTimeout = errors.New("timed out waiting for the assistant")

// SendErrorKind names the step at which Send failed.
type SendErrorKind string

const (
	SendNoThread  SendErrorKind = "no_thread"
	SendPost      SendErrorKind = "post"
	SendRun       SendErrorKind = "run"
	SendFailed    SendErrorKind = "failed"
	SendTimeout   SendErrorKind = "timeout"
	SendCancelled SendErrorKind = "cancelled"
	SendList      SendErrorKind = "list"
	SendNoReply   SendErrorKind = "no_reply"
)

// SendError is returned by Send.
type SendError struct {
	Kind  SendErrorKind
	RunID string
	Err   error
}

func (e *SendError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("send %s (run %s): %v", e.Kind, e.RunID, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
