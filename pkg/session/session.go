// Package session is the top-level orchestrator of a voice
// conversation: it owns the capture pipeline, the turn coordinator, the
// stream transport and the playback scheduler, and applies the adaptive
// pacing policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solacelabs/voicepipe/internal/log"
	"github.com/solacelabs/voicepipe/internal/metrics"
	"github.com/solacelabs/voicepipe/pkg/audio"
	"github.com/solacelabs/voicepipe/pkg/codec"
	"github.com/solacelabs/voicepipe/pkg/playback"
	"github.com/solacelabs/voicepipe/pkg/transport"
	"github.com/solacelabs/voicepipe/pkg/turn"
	"github.com/solacelabs/voicepipe/pkg/vad"
	"github.com/solacelabs/voicepipe/pkg/wire"
)

// Link is the transport surface the session drives. *transport.Transport
// satisfies it; tests substitute a fake.
type Link interface {
	Connect(ctx context.Context) error
	Close() error
	State() transport.State

	UpdateSession(wire.SessionConfig) error
	AppendAudio(pcm16 []byte) error
	CommitAudio() error
	CreateResponse(instructions string) error
	CancelResponse() error
	SendText(text string) error

	OnAudioDelta(func(pcm []byte))
	OnAudioDone(func())
	OnTextDelta(func(text string))
	OnTranscript(func(text string, final bool))
	OnResponseDone(func())
	OnCommitted(func())
	OnStateChange(func(transport.State))
	OnServerError(func(error))
}

// Session errors.
var (
	ErrNotRunning     = errors.New("session: not running")
	ErrAlreadyStarted = errors.New("session: already started")
)

// Lifecycle states. A session that loses its transport degrades rather
// than tearing down; a stopped session never restarts.
type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateDegraded
	stateStopped
)

func (l lifecycle) String() string {
	switch l {
	case stateRunning:
		return "running"
	case stateDegraded:
		return "degraded"
	case stateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Config shapes one conversation session.
type Config struct {
	Voice        string
	Instructions string

	VAD  vad.Config
	Turn turn.Config

	// Policy maps context to tone/pacing. Nil uses DefaultPolicy.
	Policy Policy
}

// Snapshot is the immutable record of a finished session.
type Snapshot struct {
	ID                string
	StartedAt         time.Time
	StoppedAt         time.Time
	SpeakingDuration  time.Duration
	ListeningDuration time.Duration
	Turns             uint64
	Interruptions     uint64
	AvgConfidence     float64
	AvgResponseDelay  time.Duration
	FinalState        string
}

// Session wires the pipeline together. One session per interactive
// conversation; all sub-components live and die with it.
type Session struct {
	id   string
	cfg  Config
	link Link

	coord *turn.Coordinator
	sched *playback.Scheduler
	cond  *audio.Conditioner
	det   *vad.Detector
	src   audio.Source
	met   *metrics.Metrics

	errs chan error

	mu        sync.Mutex
	state     lifecycle
	startedAt time.Time
	grantedAt time.Time
	speaking  time.Duration
	listening time.Duration
	confSum   float64
	confCount uint64
	latSum    time.Duration
	latCount  uint64
	convCtx   ConversationContext
	commitAt  time.Time
	partialFn func(string)
	finalFn   func(string)

	assistantDone chan struct{}
	captureDone   chan struct{}
	cancelCapture context.CancelFunc
}

// New assembles a session from its collaborators. The session takes
// ownership of the scheduler's output and the capture source; the
// caller keeps ownership of the link only until Start.
func New(cfg Config, link Link, src audio.Source, out playback.Output, met *metrics.Metrics) *Session {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy
	}
	if met == nil {
		met = metrics.New()
	}

	s := &Session{
		id:            uuid.New().String(),
		cfg:           cfg,
		link:          link,
		coord:         turn.NewCoordinator(cfg.Turn),
		sched:         playback.NewScheduler(out),
		cond:          audio.NewConditioner(),
		det:           vad.New(cfg.VAD),
		src:           src,
		met:           met,
		errs:          make(chan error, 16),
		assistantDone: make(chan struct{}, 1),
		convCtx: ConversationContext{
			Engagement: EngagementMedium,
			Urgency:    UrgencyNormal,
		},
	}

	s.coord.SetInterruptHooks(s.sched.Cancel, func() {
		// Enqueue only; a failed cancel on a dead link is not fatal.
		if err := link.CancelResponse(); err != nil {
			log.Debug("response cancel not sent", "err", err)
		}
	})
	s.coord.OnUserTurnEnd(s.userTurnEnded)
	s.coord.OnTransition(s.observeTransition)

	link.OnAudioDelta(s.handleAudioDelta)
	link.OnTextDelta(s.handleTextDelta)
	link.OnTranscript(s.handleTranscript)
	link.OnResponseDone(s.handleResponseDone)
	link.OnStateChange(s.handleLinkState)
	link.OnServerError(s.handleRemoteError)

	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Errors is the session error channel. Remote errors and connection
// loss surface here; they never crash the session.
func (s *Session) Errors() <-chan error { return s.errs }

// Start connects the transport, pushes the session configuration and
// starts the capture loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = stateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.link.Connect(ctx); err != nil {
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		return fmt.Errorf("session: start: %w", err)
	}

	if err := s.link.UpdateSession(s.sessionConfig()); err != nil {
		log.Warn("session config not pushed", "err", err)
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	frames, err := s.src.Start(captureCtx)
	if err != nil {
		cancel()
		s.link.Close()
		s.mu.Lock()
		s.state = stateStopped
		s.mu.Unlock()
		// Capture device loss is fatal, no retry.
		return fmt.Errorf("session: capture device: %w", err)
	}
	s.cancelCapture = cancel
	s.captureDone = make(chan struct{})
	go s.captureLoop(frames)

	log.Info("session started", "session_id", s.id, "voice", s.cfg.Voice)
	return nil
}

func (s *Session) sessionConfig() wire.SessionConfig {
	return wire.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      s.cfg.Instructions,
		Voice:             s.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     nil, // local VAD owns turn taking
	}
}

// UpdateConfig pushes a new voice or instruction set to the remote
// session mid-conversation. Empty arguments keep the current value.
func (s *Session) UpdateConfig(voice, instructions string) error {
	s.mu.Lock()
	if voice != "" {
		s.cfg.Voice = voice
	}
	if instructions != "" {
		s.cfg.Instructions = instructions
	}
	cfg := s.sessionConfig()
	s.mu.Unlock()

	return s.link.UpdateSession(cfg)
}

// Listen grants the user the channel and registers transcript
// callbacks. It returns immediately; the turn ends asynchronously on
// silence timeout, max duration or Stop. onPartial receives streamed
// assistant text, onFinal the completed user transcript.
func (s *Session) Listen(onPartial, onFinal func(text string)) error {
	s.mu.Lock()
	if s.state != stateRunning && s.state != stateDegraded {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.partialFn = onPartial
	s.finalFn = onFinal
	s.mu.Unlock()

	return s.coord.BeginUserTurn()
}

// Speak injects text and plays the spoken reply, applying the pacing
// policy unless the caller overrides the tone. It blocks until playback
// drains, is cancelled, or ctx ends.
func (s *Session) Speak(ctx context.Context, text string, tone *ToneAdjustment) error {
	s.mu.Lock()
	if s.state == stateStopped || s.state == stateIdle {
		s.mu.Unlock()
		return ErrNotRunning
	}
	adj := s.cfg.Policy(s.convCtx)
	s.mu.Unlock()
	if tone != nil {
		adj = *tone
	}

	// Drop any completion token left by a listen-flow response so this
	// call waits for its own response.
	select {
	case <-s.assistantDone:
	default:
	}

	if err := s.link.SendText(text); err != nil {
		return fmt.Errorf("session: speak: %w", err)
	}
	if err := s.link.CreateResponse(adj.Instructions()); err != nil {
		return fmt.Errorf("session: speak: %w", err)
	}

	select {
	case <-s.assistantDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt cuts off an in-progress assistant utterance. Playback and
// the remote response are cancelled within the interruption bound.
func (s *Session) Interrupt() {
	start := time.Now()
	s.coord.Interrupt()
	s.met.InterruptionDelay.Observe(time.Since(start).Seconds())
}

// Stop tears the session down in owner order: capture first, then
// playback, then transport sends, then the socket. It returns the
// finalized snapshot; repeated calls return the same final state.
func (s *Session) Stop() Snapshot {
	// Coordinator counters are read outside s.mu: transition observers
	// acquire s.mu under the coordinator lock, so the reverse order here
	// would invert.
	turns, interruptions := s.coord.Turns(), s.coord.Interruptions()

	s.mu.Lock()
	if s.state == stateStopped {
		snap := s.snapshotLocked(turns, interruptions)
		s.mu.Unlock()
		return snap
	}
	s.state = stateStopped
	cancel := s.cancelCapture
	captureDone := s.captureDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.src.Stop(); err != nil && !errors.Is(err, audio.ErrSourceStopped) {
		log.Warn("capture source stop", "err", err)
	}
	if captureDone != nil {
		<-captureDone
	}

	s.coord.Reset()
	s.sched.Cancel()
	if err := s.sched.Close(); err != nil {
		log.Warn("playback close", "err", err)
	}
	if err := s.link.Close(); err != nil {
		log.Warn("transport close", "err", err)
	}

	turns, interruptions = s.coord.Turns(), s.coord.Interruptions()
	s.mu.Lock()
	snap := s.snapshotLocked(turns, interruptions)
	s.mu.Unlock()

	log.Info("session stopped",
		"session_id", s.id,
		"turns", snap.Turns,
		"interruptions", snap.Interruptions,
		"speaking", snap.SpeakingDuration,
		"listening", snap.ListeningDuration,
	)
	return snap
}

// Context returns a copy of the current conversation context.
func (s *Session) Context() ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convCtx
}

// SetUrgency lets the caller flag conversational urgency; the pacing
// policy reads it on the next response.
func (s *Session) SetUrgency(u Urgency) {
	s.mu.Lock()
	s.convCtx.Urgency = u
	s.mu.Unlock()
}

// State reports the lifecycle state as a string.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Speaker reports the current channel owner.
func (s *Session) Speaker() turn.Speaker { return s.coord.Speaker() }

func (s *Session) snapshotLocked(turns, interruptions uint64) Snapshot {
	snap := Snapshot{
		ID:                s.id,
		StartedAt:         s.startedAt,
		StoppedAt:         time.Now(),
		SpeakingDuration:  s.speaking,
		ListeningDuration: s.listening,
		Turns:             turns,
		Interruptions:     interruptions,
		FinalState:        s.state.String(),
	}
	if s.confCount > 0 {
		snap.AvgConfidence = s.confSum / float64(s.confCount)
	}
	if s.latCount > 0 {
		snap.AvgResponseDelay = s.latSum / time.Duration(s.latCount)
	}
	return snap
}

// captureLoop is the per-frame pipeline: condition, detect, gate, ship.
// It must never block on network I/O; AppendAudio is an enqueue.
func (s *Session) captureLoop(frames <-chan audio.Frame) {
	defer close(s.captureDone)

	for f := range frames {
		s.met.FramesCaptured.Inc()

		cf := s.cond.Process(f)
		st := s.det.Process(cf.Samples)

		if st.Changed {
			s.coord.NoteUserSpeech(st.Speaking)
		}
		if st.Speaking {
			s.mu.Lock()
			s.confSum += st.Confidence
			s.confCount++
			s.mu.Unlock()
		}

		if !s.coord.AllowCapture() {
			continue
		}

		pcm := codec.FloatsToPCM16(cf.Samples)
		if err := s.link.AppendAudio(pcm); err != nil {
			// Link down; the state callback handles degradation.
			continue
		}
		s.met.AudioAppends.Inc()
	}
}

// userTurnEnded runs when the coordinator ends a user turn for any
// reason. Called from the coordinator; the actual commit happens off
// its lock.
func (s *Session) userTurnEnded(reason turn.EndReason) {
	s.met.TurnEndReasons.WithLabelValues(reason.String()).Inc()
	go s.commitAndRespond()
}

func (s *Session) commitAndRespond() {
	s.mu.Lock()
	adj := s.cfg.Policy(s.convCtx)
	s.commitAt = time.Now()
	s.convCtx.LastUserInput = time.Now()
	s.mu.Unlock()

	if err := s.link.CommitAudio(); err != nil {
		s.surface(fmt.Errorf("session: commit: %w", err))
		return
	}
	if err := s.link.CreateResponse(adj.Instructions()); err != nil {
		s.surface(fmt.Errorf("session: response request: %w", err))
	}
}

// observeTransition tracks per-speaker durations and mirrors state into
// metrics. Runs under the coordinator lock; must stay cheap.
func (s *Session) observeTransition(tr turn.Transition) {
	now := time.Now()
	s.met.Turns.Inc()
	s.met.Speaker.Set(float64(tr.To))

	s.mu.Lock()
	switch tr.From {
	case turn.User:
		s.listening += now.Sub(s.grantedAt)
		s.met.TurnDuration.Observe(now.Sub(s.grantedAt).Seconds())
	case turn.Assistant:
		s.speaking += now.Sub(s.grantedAt)
	}
	if tr.To != turn.None {
		s.grantedAt = now
	}
	s.mu.Unlock()
}

// handleAudioDelta receives decoded assistant PCM. The first chunk of a
// response claims the assistant turn; chunks arriving while the user
// holds the channel are dropped.
func (s *Session) handleAudioDelta(pcm []byte) {
	s.met.AudioDeltas.Inc()

	s.mu.Lock()
	if !s.commitAt.IsZero() {
		delay := time.Since(s.commitAt)
		s.met.ResponseLatency.Observe(delay.Seconds())
		s.latSum += delay
		s.latCount++
		s.commitAt = time.Time{}
	}
	s.mu.Unlock()

	if err := s.coord.BeginAssistantTurn(); err != nil {
		return
	}

	samples, err := codec.PCM16ToFloats(pcm)
	if err != nil {
		s.met.CodecErrors.Inc()
		log.Warn("dropping malformed assistant chunk", "err", err)
		return
	}
	if err := s.sched.Enqueue(samples); err != nil {
		log.Warn("playback enqueue", "err", err)
		return
	}
	s.met.PlaybackQueue.Set(float64(s.sched.QueueLen()))
}

func (s *Session) handleTextDelta(text string) {
	s.mu.Lock()
	fn := s.partialFn
	s.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (s *Session) handleTranscript(text string, final bool) {
	if !final {
		return
	}

	interruptions := s.coord.Interruptions()
	s.mu.Lock()
	s.convCtx.LastUserInput = time.Now()
	s.convCtx.Interruptions = interruptions
	s.convCtx.Engagement = classifyEngagement(0)
	fn := s.finalFn
	s.mu.Unlock()

	if fn != nil {
		fn(text)
	}
}

// handleResponseDone waits for playback to drain, then releases the
// channel and wakes any Speak caller.
func (s *Session) handleResponseDone() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.sched.Wait(ctx); err != nil {
			log.Warn("playback drain", "err", err)
		}
		s.coord.EndAssistantTurn()

		s.mu.Lock()
		s.refreshEngagementLocked()
		s.mu.Unlock()

		select {
		case s.assistantDone <- struct{}{}:
		default:
		}
	}()
}

func (s *Session) refreshEngagementLocked() {
	if s.convCtx.LastUserInput.IsZero() {
		return
	}
	s.convCtx.Engagement = classifyEngagement(time.Since(s.convCtx.LastUserInput))
}

// handleLinkState mirrors transport state into metrics and degrades the
// session on connection loss instead of retrying forever. The caller
// may later Reconnect through the link or keep using SendText.
func (s *Session) handleLinkState(st transport.State) {
	s.met.ConnectionState.Set(float64(st))

	if st != transport.StateDisconnected {
		return
	}

	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateDegraded
	s.mu.Unlock()

	s.coord.Reset()
	s.sched.Cancel()
	s.surface(errors.New("session: transport disconnected, degraded to text-only"))
	log.Warn("session degraded", "session_id", s.id)
}

func (s *Session) handleRemoteError(err error) {
	s.met.RemoteErrors.Inc()
	s.surface(err)
}

// surface delivers an error to the session channel without ever
// blocking the pipeline.
func (s *Session) surface(err error) {
	select {
	case s.errs <- err:
	default:
		log.Warn("error channel full", "err", err)
	}
}
