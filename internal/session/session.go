// Package session is the chat facade the API and CLI talk to. It ties the
// thread controller, the conversation log, the polling coordinator and the
// upload bridge together for the active feature.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storepulse/internal/assistant"
	"github.com/kalambet/storepulse/internal/conversation"
	"github.com/kalambet/storepulse/internal/feature"
	"github.com/kalambet/storepulse/internal/metrics"
	"github.com/kalambet/storepulse/internal/poller"
	"github.com/kalambet/storepulse/internal/thread"
)

// Assistant is the remote API used by Send.
type Assistant interface {
	PostMessage(ctx context.Context, threadID, text string) error
	StartRun(ctx context.Context, threadID, assistantID string) (string, error)
	GetRunStatus(ctx context.Context, threadID, runID string) (assistant.Run, error)
}

// Threads owns the active binding. Implemented by *thread.Controller.
type Threads interface {
	Binding() feature.ThreadBinding
	Snapshot() thread.Snapshot
	SwitchFeature(ctx context.Context, f feature.Feature) (feature.ThreadBinding, error)
	CreateNewThread(ctx context.Context) (feature.ThreadBinding, error)
	SetThreadID(ctx context.Context, threadID string) (feature.ThreadBinding, error)
}

// Poller runs the fast and idle loops. Implemented by *poller.Coordinator.
type Poller interface {
	Start(threadID string) poller.RunState
	Cancel(threadID string)
	CancelAll()
	State(threadID string) (poller.RunState, bool)
	IsChecking(threadID string) bool
	Observed(threadID string) bool
	BeginSend()
	EndSend()
	StartIdle(threadID string)
	StopIdle()
}

// Binder subscribes to upload inserts for one thread. Implemented by
// *bridge.Bridge.
type Binder interface {
	Bind(ctx context.Context, threadID string) error
	Close() error
	LastUploadAt() time.Time
}

// Log is the per-thread message history. Implemented by *conversation.Log.
type Log interface {
	Sync(ctx context.Context, threadID string) (bool, error)
	Messages(threadID string) []conversation.Message
	HasPlaceholder(threadID string) bool
	Forget(threadID string)
}

// SendPolicy bounds how Send waits for a run.
type SendPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultSendPolicy polls every second for at most 90 seconds.
func DefaultSendPolicy() SendPolicy {
	return SendPolicy{Interval: time.Second, Timeout: 90 * time.Second}
}

// Status is the state surfaced to clients.
type Status struct {
	Feature          feature.Feature  `json:"feature"`
	ThreadID         string           `json:"threadId"`
	AssistantID      string           `json:"assistantId"`
	IsValidThread    bool             `json:"isValidThread"`
	Verification     thread.State     `json:"verification"`
	Detail           string           `json:"detail,omitempty"`
	LastError        string           `json:"lastError,omitempty"`
	IsChecking       bool             `json:"isChecking"`
	Processing       bool             `json:"processing"`
	LastFileUploadAt *time.Time       `json:"lastFileUploadAt,omitempty"`
	Run              *poller.RunState `json:"run,omitempty"`
}

// Session is safe for concurrent use. Operations that change the active
// thread are serialized; Send runs concurrently with them.
type Session struct {
	assistant Assistant
	threads   Threads
	poller    Poller
	bridge    Binder
	log       Log
	policy    SendPolicy
	logger    *slog.Logger

	mu sync.Mutex
}

// New assembles a Session. Call Open to load the initial feature.
func New(asst Assistant, threads Threads, p Poller, b Binder, log Log, policy SendPolicy) *Session {
	if policy.Interval <= 0 {
		policy.Interval = DefaultSendPolicy().Interval
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultSendPolicy().Timeout
	}
	return &Session{
		assistant: asst,
		threads:   threads,
		poller:    p,
		bridge:    b,
		log:       log,
		policy:    policy,
		logger:    slog.Default(),
	}
}

// Open activates f. It is SwitchFeature without anything to tear down.
func (s *Session) Open(ctx context.Context, f feature.Feature) error {
	_, err := s.SwitchFeature(ctx, f)
	return err
}

// Close stops all polling and the insert subscription.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poller.CancelAll()
	s.poller.StopIdle()
	return s.bridge.Close()
}

// SwitchFeature stops polling for the current thread before the controller
// loads and verifies f's binding, then rebinds the upload bridge.
func (s *Session) SwitchFeature(ctx context.Context, f feature.Feature) (feature.ThreadBinding, error) {
	if !f.Valid() {
		return feature.ThreadBinding{}, fmt.Errorf("switching feature: unknown feature %q", f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.poller.CancelAll()
	s.poller.StopIdle()
	if err := s.bridge.Close(); err != nil {
		s.logger.Warn("tearing down upload subscription", "error", err)
	}

	b, err := s.threads.SwitchFeature(ctx, f)
	if err != nil {
		return feature.ThreadBinding{}, err
	}
	s.bindLocked(ctx, b.ThreadID)
	return b, nil
}

// ClearConversation starts over on a fresh remote thread for the active
// feature. On failure the previous thread stays active.
func (s *Session) ClearConversation(ctx context.Context) (feature.ThreadBinding, error) {
	return s.replaceThread(ctx, s.threads.CreateNewThread)
}

// CreateNewThread is ClearConversation under the name the surface exposes.
func (s *Session) CreateNewThread(ctx context.Context) (feature.ThreadBinding, error) {
	return s.ClearConversation(ctx)
}

// SetThreadID switches the active feature to an existing remote thread.
func (s *Session) SetThreadID(ctx context.Context, threadID string) (feature.ThreadBinding, error) {
	return s.replaceThread(ctx, func(ctx context.Context) (feature.ThreadBinding, error) {
		return s.threads.SetThreadID(ctx, threadID)
	})
}

func (s *Session) replaceThread(ctx context.Context, replace func(context.Context) (feature.ThreadBinding, error)) (feature.ThreadBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.threads.Binding().ThreadID
	s.poller.Cancel(old)

	b, err := replace(ctx)
	if err != nil {
		return feature.ThreadBinding{}, err
	}
	if b.ThreadID != old {
		s.poller.StopIdle()
		s.log.Forget(old)
		s.bindLocked(ctx, b.ThreadID)
	}
	return b, nil
}

// bindLocked subscribes the bridge, records the history baseline and starts
// the idle loop for threadID.
func (s *Session) bindLocked(ctx context.Context, threadID string) {
	if threadID == "" {
		return
	}
	if err := s.bridge.Bind(ctx, threadID); err != nil {
		s.logger.Warn("subscribing to upload inserts", "thread_id", threadID, "error", err)
	}
	if _, err := s.log.Sync(ctx, threadID); err != nil {
		s.logger.Warn("loading thread history", "thread_id", threadID, "error", err)
	}
	s.poller.StartIdle(threadID)
}

// Refresh starts a fast loop on the active thread, as after an upload.
func (s *Session) Refresh() (poller.RunState, error) {
	id := s.threads.Binding().ThreadID
	if id == "" {
		return poller.RunState{}, fmt.Errorf("refreshing: no active thread")
	}
	return s.poller.Start(id), nil
}

// Messages returns the active thread's visible history.
func (s *Session) Messages() []conversation.Message {
	return s.log.Messages(s.threads.Binding().ThreadID)
}

// Binding returns the active binding.
func (s *Session) Binding() feature.ThreadBinding {
	return s.threads.Binding()
}

// Status reports the active binding, its validity and polling state.
func (s *Session) Status() Status {
	snap := s.threads.Snapshot()
	st := Status{
		Feature:       snap.Feature,
		ThreadID:      snap.ThreadID,
		AssistantID:   snap.AssistantID,
		IsValidThread: snap.Valid,
		Verification:  snap.State,
		Detail:        snap.Detail,
		LastError:     snap.LastError,
		IsChecking:    s.poller.IsChecking(snap.ThreadID),
		Processing:    s.log.HasPlaceholder(snap.ThreadID),
	}
	if at := s.bridge.LastUploadAt(); !at.IsZero() {
		st.LastFileUploadAt = &at
	}
	if run, ok := s.poller.State(snap.ThreadID); ok {
		st.Run = &run
	}
	return st
}

// Send posts text to the active thread, runs the assistant and waits for
// its reply. Thread validity is not consulted. Failures are returned as
// *SendError and leave the thread state as it was.
func (s *Session) Send(ctx context.Context, text string) (conversation.Message, error) {
	b := s.threads.Binding()
	if b.ThreadID == "" {
		return conversation.Message{}, &SendError{Kind: SendNoThread, Err: errors.New("no active thread")}
	}

	s.poller.BeginSend()
	defer s.poller.EndSend()

	start := time.Now()
	msg, err := s.send(ctx, b, text)
	result := "ok"
	if err != nil {
		var se *SendError
		if errors.As(err, &se) {
			result = string(se.Kind)
		}
		s.logger.Warn("send failed", "feature", b.Feature, "thread_id", b.ThreadID, "error", err)
	}
	metrics.Send(result, time.Since(start))
	return msg, err
}

func (s *Session) send(ctx context.Context, b feature.ThreadBinding, text string) (conversation.Message, error) {
	if err := s.assistant.PostMessage(ctx, b.ThreadID, text); err != nil {
		return conversation.Message{}, &SendError{Kind: SendPost, Err: err}
	}
	runID, err := s.assistant.StartRun(ctx, b.ThreadID, b.AssistantID)
	if err != nil {
		return conversation.Message{}, &SendError{Kind: SendRun, Err: err}
	}
	if err := s.awaitRun(ctx, b.ThreadID, runID); err != nil {
		return conversation.Message{}, err
	}

	hasNew, err := s.log.Sync(ctx, b.ThreadID)
	if err != nil {
		return conversation.Message{}, &SendError{Kind: SendList, RunID: runID, Err: err}
	}
	if hasNew {
		// The fast loop for a pending upload would never see these.
		s.poller.Observed(b.ThreadID)
	}
	msgs := s.log.Messages(b.ThreadID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == conversation.KindRemote && msgs[i].Role == assistant.RoleAssistant {
			return msgs[i], nil
		}
	}
	return conversation.Message{}, &SendError{Kind: SendNoReply, RunID: runID, Err: errors.New("run completed without an assistant message")}
}

func (s *Session) awaitRun(ctx context.Context, threadID, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		run, err := s.assistant.GetRunStatus(ctx, threadID, runID)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Debug("checking run status", "thread_id", threadID, "run_id", runID, "error", err)
		case err == nil && run.Status.Succeeded():
			return nil
		case err == nil && run.Status.Terminal():
			detail := string(run.Status)
			if run.LastError != nil && run.LastError.Message != "" {
				detail = run.LastError.Message
			}
			return &SendError{Kind: SendFailed, RunID: runID, Err: fmt.Errorf("%w: %s", assistant.ErrRunFailed, detail)}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &SendError{Kind: SendTimeout, RunID: runID, Err: ErrSendTimeout}
			}
			return &SendError{Kind: SendCancelled, RunID: runID, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
