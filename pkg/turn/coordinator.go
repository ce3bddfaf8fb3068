// Package turn arbitrates ownership of the audio channel between the
// user and the assistant, including barge-in and the timers that bound
// a user turn.
package turn

import (
	"errors"
	"sync"
	"time"
)

// Speaker identifies who currently owns the audio channel.
type Speaker int

const (
	None Speaker = iota
	User
	Assistant
)

func (s Speaker) String() string {
	switch s {
	case User:
		return "user"
	case Assistant:
		return "assistant"
	default:
		return "none"
	}
}

// EndReason explains why a user turn ended.
type EndReason int

const (
	EndSilence EndReason = iota
	EndMaxDuration
	EndExplicit
)

func (r EndReason) String() string {
	switch r {
	case EndSilence:
		return "silence_timeout"
	case EndMaxDuration:
		return "max_turn_duration"
	default:
		return "explicit"
	}
}

// Transition is emitted to observers on every speaker change, in strict
// lock order.
type Transition struct {
	From Speaker
	To   Speaker
	Turn uint64
}

// Config holds coordinator tuning. Zero durations fall back to defaults.
type Config struct {
	// BargeIn permits a direct Assistant -> User transition that
	// cancels in-flight playback and the remote response.
	BargeIn bool

	// SilenceTimeout ends a user turn after continuous silence.
	SilenceTimeout time.Duration

	// MaxTurnDuration bounds a runaway user turn.
	MaxTurnDuration time.Duration
}

const (
	DefaultSilenceTimeout  = 2 * time.Second
	DefaultMaxTurnDuration = 40 * time.Second
)

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxTurnDuration <= 0 {
		c.MaxTurnDuration = DefaultMaxTurnDuration
	}
	return c
}

// Coordinator errors.
var (
	ErrAssistantBusy = errors.New("turn: assistant turn active and barge-in disabled")
	ErrUserBusy      = errors.New("turn: user turn active")
)

// Coordinator is the single piece of shared state between the capture,
// transport and playback tasks. All transitions are serialized by its
// lock; critical sections stay short so the capture path never waits on
// network I/O.
//
// Hooks and observers run with the lock held to guarantee transition
// ordering. They must be fast and must not call back into the
// coordinator.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	speaker       Speaker
	turns         uint64
	interruptions uint64

	// Timer generations invalidate pending fires: a timer callback that
	// loses the generation race does nothing. This guarantees a timer
	// never fires after the state it was guarding has transitioned.
	silenceGen   uint64
	maxGen       uint64
	silenceTimer *time.Timer
	maxTurnTimer *time.Timer

	observers     []func(Transition)
	onUserTurnEnd func(EndReason)

	cancelPlayback func()
	cancelRemote   func()
}

// NewCoordinator creates a coordinator in the None state.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults()}
}

// OnTransition registers an observer for speaker changes. Observers are
// called synchronously under the coordinator lock, in registration
// order, so no two transitions can be observed out of order.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// OnUserTurnEnd registers the hook fired when a user turn ends for any
// reason. The session uses it to commit the input buffer and request a
// response.
func (c *Coordinator) OnUserTurnEnd(fn func(EndReason)) {
	c.mu.Lock()
	c.onUserTurnEnd = fn
	c.mu.Unlock()
}

// SetInterruptHooks installs the actions taken during barge-in, in
// order: cancel in-flight playback, then ask the remote side to cancel
// its response. Both must be bounded and non-blocking (playback cancel
// is signal-only, the remote cancel is an enqueue).
func (c *Coordinator) SetInterruptHooks(cancelPlayback, cancelRemote func()) {
	c.mu.Lock()
	c.cancelPlayback = cancelPlayback
	c.cancelRemote = cancelRemote
	c.mu.Unlock()
}

// Speaker returns the current channel owner.
func (c *Coordinator) Speaker() Speaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker
}

// AllowCapture reports whether captured frames may flow downstream.
func (c *Coordinator) AllowCapture() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker == User
}

// AllowPlayback reports whether decoded audio may be scheduled.
func (c *Coordinator) AllowPlayback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker == Assistant
}

// Turns returns the global turn-transition counter.
func (c *Coordinator) Turns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns
}

// Interruptions returns the barge-in counter.
func (c *Coordinator) Interruptions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interruptions
}

// BeginUserTurn grants the user the channel. If the assistant is active
// it either barges in (cancelling playback and the remote response
// before the grant) or fails with ErrAssistantBusy.
func (c *Coordinator) BeginUserTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.speaker {
	case User:
		return nil
	case Assistant:
		if !c.cfg.BargeIn {
			return ErrAssistantBusy
		}
		c.interruptLocked()
	}

	c.transitionLocked(User)
	c.armMaxTurnLocked()
	return nil
}

// EndUserTurn ends an active user turn explicitly. No-op if the user
// does not own the channel.
func (c *Coordinator) EndUserTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaker == User {
		c.endUserTurnLocked(EndExplicit)
	}
}

// NoteUserSpeech feeds debounced VAD transitions into the silence
// timeout. Call only on actual transitions, not every frame. Silence
// arms the timeout; resumed speech cancels it.
func (c *Coordinator) NoteUserSpeech(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.speaker != User {
		return
	}

	c.silenceGen++
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	if speaking {
		return
	}

	gen := c.silenceGen
	c.silenceTimer = time.AfterFunc(c.cfg.SilenceTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.silenceGen == gen && c.speaker == User {
			c.endUserTurnLocked(EndSilence)
		}
	})
}

// BeginAssistantTurn grants the assistant the channel on a
// response-ready event. Fails with ErrUserBusy while the user holds the
// channel; assistant frames arriving then are dropped by the caller.
func (c *Coordinator) BeginAssistantTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.speaker {
	case Assistant:
		return nil
	case User:
		return ErrUserBusy
	}

	c.transitionLocked(Assistant)
	return nil
}

// EndAssistantTurn releases the channel after playback completes. No-op
// if the assistant does not own it.
func (c *Coordinator) EndAssistantTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaker == Assistant {
		c.transitionLocked(None)
	}
}

// Interrupt handles an explicit user interruption while the assistant
// is speaking: playback is cancelled, the remote response is cancelled,
// and the channel passes to the user (or to None when barge-in is
// disabled). No-op when the assistant is not speaking.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.speaker != Assistant {
		return
	}

	c.interruptLocked()
	if c.cfg.BargeIn {
		c.transitionLocked(User)
		c.armMaxTurnLocked()
	} else {
		c.transitionLocked(None)
	}
}

// Reset forces the coordinator to None and cancels all timers. Error
// handling paths use it so no failure leaves the coordinator ambiguous.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaker != None {
		c.transitionLocked(None)
	} else {
		c.stopTimersLocked()
	}
}

func (c *Coordinator) interruptLocked() {
	c.interruptions++
	if c.cancelPlayback != nil {
		c.cancelPlayback()
	}
	if c.cancelRemote != nil {
		c.cancelRemote()
	}
}

func (c *Coordinator) endUserTurnLocked(reason EndReason) {
	c.transitionLocked(None)
	if c.onUserTurnEnd != nil {
		c.onUserTurnEnd(reason)
	}
}

// transitionLocked performs the speaker change, cancels any timers
// guarding the previous state, bumps the turn counter and notifies
// observers in order.
func (c *Coordinator) transitionLocked(to Speaker) {
	from := c.speaker
	c.speaker = to
	c.turns++
	c.stopTimersLocked()

	t := Transition{From: from, To: to, Turn: c.turns}
	for _, fn := range c.observers {
		fn(t)
	}
}

func (c *Coordinator) armMaxTurnLocked() {
	c.maxGen++
	gen := c.maxGen
	c.maxTurnTimer = time.AfterFunc(c.cfg.MaxTurnDuration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.maxGen == gen && c.speaker == User {
			c.endUserTurnLocked(EndMaxDuration)
		}
	})
}

func (c *Coordinator) stopTimersLocked() {
	c.silenceGen++
	c.maxGen++
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	if c.maxTurnTimer != nil {
		c.maxTurnTimer.Stop()
		c.maxTurnTimer = nil
	}
}
