// Package poller detects, with bounded latency and bounded effort, that a
// triggered background job has produced a new assistant message.
//
// Each thread owns at most one poll session at a time. A session carries a
// generation id; every scheduled callback captures the generation it was
// created for and does nothing once a newer session (or a cancellation) has
// replaced it.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/storepulse/internal/clock"
	"github.com/kalambet/storepulse/internal/metrics"
)

// ExhaustedMessage replaces the processing placeholder when the fast loop
// gives up.
const ExhaustedMessage = "This is taking longer than expected. The analysis is still running in the background; " +
	"refresh the conversation in a minute to see the result."

// Fetcher reports whether a new assistant message has arrived on a thread.
type Fetcher interface {
	Sync(ctx context.Context, threadID string) (bool, error)
}

// Placeholders rewrites the pending processing message of a thread.
type Placeholders interface {
	RewritePlaceholder(threadID, text string) bool
}

// Policy holds the polling constants.
type Policy struct {
	Interval     time.Duration
	MaxAttempts  int
	IdleInterval time.Duration
	FetchTimeout time.Duration
}

// DefaultPolicy is 20 checks 1.5s apart with a 15s idle refresh.
func DefaultPolicy() Policy {
	return Policy{
		Interval:     1500 * time.Millisecond,
		MaxAttempts:  20,
		IdleInterval: 15 * time.Second,
		FetchTimeout: 20 * time.Second,
	}
}

// Status is the lifecycle of one poll session.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeFound     Outcome = "found"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeHalted    Outcome = "halted"
	OutcomeCancelled Outcome = "cancelled"
)

// RunState is a snapshot of a thread's current or last poll session.
type RunState struct {
	ThreadID    string    `json:"threadId"`
	Generation  uint64    `json:"generation"`
	Status      Status    `json:"status"`
	Outcome     Outcome   `json:"outcome,omitempty"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	Checking    bool      `json:"checking"`
	StartedAt   time.Time `json:"startedAt"`
}

type pollSession struct {
	gen       uint64
	attempts  int
	found     bool
	checking  bool
	done      bool
	timer     clock.Timer
	startedAt time.Time
	status    Status
	outcome   Outcome
}

type idleLoop struct {
	threadID string
	gen      uint64
	timer    clock.Timer
	fetching bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers fn to be called, outside any lock, whenever a
// session reaches a terminal outcome.
func WithObserver(fn func(threadID string, o Outcome)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// Coordinator runs fast and idle polling loops.
type Coordinator struct {
	fetcher      Fetcher
	placeholders Placeholders
	clock        clock.Clock
	policy       Policy
	observer     func(string, Outcome)
	logger       *slog.Logger

	mu       sync.Mutex
	gen      uint64
	sessions map[string]*pollSession
	sending  int
	idle     *idleLoop
}

// New returns a Coordinator. placeholders may be nil.
func New(fetcher Fetcher, placeholders Placeholders, clk clock.Clock, policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:      fetcher,
		placeholders: placeholders,
		clock:        clk,
		policy:       policy,
		logger:       slog.Default(),
		sessions:     make(map[string]*pollSession),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start begins a fast loop for threadID, superseding any earlier session
// for that thread. The first check runs immediately. An empty thread id is
// a no-op.
func (c *Coordinator) Start(threadID string) RunState {
	if threadID == "" {
		return RunState{Status: StatusCancelled}
	}

	c.mu.Lock()
	superseded := c.retireLocked(threadID)
	s := c.newSessionLocked(threadID)
	gen := s.gen
	s.timer = c.clock.AfterFunc(0, func() { c.check(threadID, gen) })
	state := c.snapshotLocked(threadID, s)
	c.mu.Unlock()

	c.logger.Debug("fast poll started", "thread_id", threadID, "generation", gen)
	if superseded {
		c.notify(threadID, OutcomeCancelled)
	}
	return state
}

// Reset cancels any pending check for threadID and replaces its session
// with a fresh one: found cleared and attempts at zero, nothing scheduled.
// It returns the new session's generation for Resume.
func (c *Coordinator) Reset(threadID string) uint64 {
	if threadID == "" {
		return 0
	}
	c.mu.Lock()
	superseded := c.retireLocked(threadID)
	gen := c.newSessionLocked(threadID).gen
	c.mu.Unlock()

	if superseded {
		c.notify(threadID, OutcomeCancelled)
	}
	return gen
}

// Resume schedules the first check of the session Reset created with gen.
// It reports false, scheduling nothing, when that session was superseded,
// is already running or has already resolved.
func (c *Coordinator) Resume(threadID string, gen uint64) (RunState, bool) {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok || s.gen != gen || s.done || s.found || s.timer != nil || s.checking {
		c.mu.Unlock()
		return RunState{}, false
	}
	s.timer = c.clock.AfterFunc(0, func() { c.check(threadID, gen) })
	state := c.snapshotLocked(threadID, s)
	c.mu.Unlock()

	c.logger.Debug("fast poll resumed", "thread_id", threadID, "generation", gen)
	return state, true
}

// Observed tells the coordinator that a new assistant message on threadID
// was consumed outside the fast loop. A pending session resolves as found.
func (c *Coordinator) Observed(threadID string) bool {
	c.mu.Lock()
	resolved := c.resolveLocked(threadID)
	c.mu.Unlock()

	if resolved {
		c.logger.Info("new assistant message observed", "thread_id", threadID)
		c.notify(threadID, OutcomeFound)
	}
	return resolved
}

func (c *Coordinator) resolveLocked(threadID string) bool {
	s, ok := c.sessions[threadID]
	if !ok || s.done {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.found = true
	s.done = true
	s.checking = false
	s.status = StatusCompleted
	s.outcome = OutcomeFound
	return true
}

// Cancel stops threadID's fast loop, if any.
func (c *Coordinator) Cancel(threadID string) {
	c.mu.Lock()
	cancelled := c.retireLocked(threadID)
	c.mu.Unlock()

	if cancelled {
		c.logger.Debug("fast poll cancelled", "thread_id", threadID)
		c.notify(threadID, OutcomeCancelled)
	}
}

// CancelAll stops every fast loop.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	var cancelled []string
	for id := range c.sessions {
		if c.retireLocked(id) {
			cancelled = append(cancelled, id)
		}
	}
	c.mu.Unlock()

	for _, id := range cancelled {
		c.notify(id, OutcomeCancelled)
	}
}

// retireLocked ends threadID's live session as cancelled. It reports
// whether there was a live session.
func (c *Coordinator) retireLocked(threadID string) bool {
	s, ok := c.sessions[threadID]
	if !ok || s.done {
		return false
	}
	// A session that was only reset and never scheduled is not a loop.
	live := s.timer != nil || s.checking
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.done = true
	s.checking = false
	s.status = StatusCancelled
	s.outcome = OutcomeCancelled
	return live
}

func (c *Coordinator) newSessionLocked(threadID string) *pollSession {
	c.gen++
	s := &pollSession{
		gen:       c.gen,
		startedAt: c.clock.Now(),
		status:    StatusQueued,
	}
	c.sessions[threadID] = s
	return s
}

func (c *Coordinator) check(threadID string, gen uint64) {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok || s.gen != gen || s.done {
		c.mu.Unlock()
		return
	}
	if s.found {
		s.done = true
		c.mu.Unlock()
		return
	}
	s.timer = nil
	s.checking = true
	s.status = StatusInProgress
	attempt := s.attempts + 1
	c.mu.Unlock()

	metrics.PollFetch("fast")
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.FetchTimeout)
	hasNew, err := c.fetcher.Sync(ctx, threadID)
	cancel()

	c.mu.Lock()
	if c.sessions[threadID] != s || s.done {
		c.mu.Unlock()
		c.logger.Debug("discarding stale poll result", "thread_id", threadID, "generation", gen)
		return
	}
	s.checking = false

	var outcome Outcome
	switch {
	case err != nil:
		s.done = true
		s.status = StatusFailed
		outcome = OutcomeHalted
	case hasNew:
		s.found = true
		s.done = true
		s.status = StatusCompleted
		outcome = OutcomeFound
	default:
		s.attempts++
		if s.attempts < c.policy.MaxAttempts {
			s.timer = c.clock.AfterFunc(c.policy.Interval, func() { c.check(threadID, gen) })
			c.mu.Unlock()
			return
		}
		s.done = true
		s.status = StatusFailed
		outcome = OutcomeExhausted
	}
	s.outcome = outcome
	c.mu.Unlock()

	switch outcome {
	case OutcomeHalted:
		c.logger.Warn("fast poll halted", "thread_id", threadID, "attempt", attempt, "error", err)
	case OutcomeFound:
		c.logger.Info("new assistant message found", "thread_id", threadID, "attempt", attempt)
	case OutcomeExhausted:
		c.logger.Info("fast poll exhausted", "thread_id", threadID, "attempt", attempt)
		if c.placeholders != nil {
			c.placeholders.RewritePlaceholder(threadID, ExhaustedMessage)
		}
	}
	c.notify(threadID, outcome)
}

func (c *Coordinator) notify(threadID string, o Outcome) {
	metrics.PollOutcome(string(o))
	if c.observer != nil {
		c.observer(threadID, o)
	}
}

// State returns the snapshot of threadID's current or last session.
func (c *Coordinator) State(threadID string) (RunState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[threadID]
	if !ok {
		return RunState{}, false
	}
	return c.snapshotLocked(threadID, s), true
}

// IsChecking reports whether a fetch for threadID is in flight.
func (c *Coordinator) IsChecking(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[threadID]
	return ok && s.checking
}

// Active reports whether threadID has a fast loop that has not ended.
func (c *Coordinator) Active(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked(threadID)
}

func (c *Coordinator) activeLocked(threadID string) bool {
	s, ok := c.sessions[threadID]
	return ok && !s.done && (s.timer != nil || s.checking)
}

func (c *Coordinator) snapshotLocked(threadID string, s *pollSession) RunState {
	return RunState{
		ThreadID:    threadID,
		Generation:  s.gen,
		Status:      s.status,
		Outcome:     s.outcome,
		Attempt:     s.attempts,
		MaxAttempts: c.policy.MaxAttempts,
		Checking:    s.checking,
		StartedAt:   s.startedAt,
	}
}

// BeginSend marks a user send as in flight; the idle loop skips its ticks
// until the matching EndSend.
func (c *Coordinator) BeginSend() {
	c.mu.Lock()
	c.sending++
	c.mu.Unlock()
}

// EndSend undoes one BeginSend.
func (c *Coordinator) EndSend() {
	c.mu.Lock()
	if c.sending > 0 {
		c.sending--
	}
	c.mu.Unlock()
}

// StartIdle keeps threadID fresh with one fetch every idle interval while
// no fast loop is active and no send is in flight. It replaces any earlier
// idle loop.
func (c *Coordinator) StartIdle(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopIdleLocked()
	if threadID == "" || c.policy.IdleInterval <= 0 {
		return
	}
	c.gen++
	loop := &idleLoop{threadID: threadID, gen: c.gen}
	c.idle = loop
	c.scheduleIdleLocked(loop)
}

// StopIdle stops the idle loop.
func (c *Coordinator) StopIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopIdleLocked()
}

func (c *Coordinator) stopIdleLocked() {
	if c.idle == nil {
		return
	}
	if c.idle.timer != nil {
		c.idle.timer.Stop()
	}
	c.idle = nil
}

func (c *Coordinator) scheduleIdleLocked(loop *idleLoop) {
	gen := loop.gen
	loop.timer = c.clock.AfterFunc(c.policy.IdleInterval, func() { c.idleTick(gen) })
}

func (c *Coordinator) idleTick(gen uint64) {
	c.mu.Lock()
	loop := c.idle
	if loop == nil || loop.gen != gen {
		c.mu.Unlock()
		return
	}
	loop.timer = nil
	threadID := loop.threadID
	if c.sending > 0 || c.activeLocked(threadID) {
		c.scheduleIdleLocked(loop)
		c.mu.Unlock()
		return
	}
	loop.fetching = true
	c.mu.Unlock()

	metrics.PollFetch("idle")
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.FetchTimeout)
	hasNew, err := c.fetcher.Sync(ctx, threadID)
	cancel()
	if err != nil {
		c.logger.Warn("idle refresh failed", "thread_id", threadID, "error", err)
	}

	c.mu.Lock()
	loop.fetching = false
	// A session reset or started while this fetch was in flight would never
	// see the message this fetch just consumed.
	resolved := hasNew && c.resolveLocked(threadID)
	if c.idle == loop {
		c.scheduleIdleLocked(loop)
	}
	c.mu.Unlock()

	if resolved {
		c.logger.Info("new assistant message observed", "thread_id", threadID, "loop", "idle")
		c.notify(threadID, OutcomeFound)
	}
}
