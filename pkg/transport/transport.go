// Package transport maintains the persistent websocket connection to
// the remote speech endpoint. It serializes wire events out through an
// internal queue so callers never block on network I/O, deserializes
// inbound events to typed callbacks, and surfaces connection-state
// changes without ever crashing the owning session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solacelabs/voicepipe/internal/log"
	"github.com/solacelabs/voicepipe/pkg/codec"
	"github.com/solacelabs/voicepipe/pkg/wire"
)

// State describes the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Transport errors.
var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrClosed           = errors.New("transport: closed")
	ErrBackpressure     = errors.New("transport: outbound queue full")
)

// Config holds transport tuning. Zero values fall back to defaults.
type Config struct {
	URL    string
	APIKey string
	Model  string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// OutboundQueue bounds the internal send queue. Audio appends that
	// do not fit are dropped (and counted) rather than stalling the
	// capture path.
	OutboundQueue int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 120 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 256
	}
	return c
}

type outMsg struct {
	data      []byte
	droppable bool
}

// Transport is the bidirectional stream channel. Sends are asynchronous
// from the caller's perspective: backpressure is absorbed by the
// outbound queue, never by the capture callback.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	ready    bool // session.created received
	appended bool // audio appended since last commit
	closed   bool
	connDone chan struct{}

	outbound chan outMsg

	droppedAppends atomic.Uint64
	codecErrors    atomic.Uint64

	// Callbacks. Set before Connect; invoked from the read loop.
	onAudioDelta   func(pcm []byte)
	onAudioDone    func()
	onTextDelta    func(text string)
	onTranscript   func(text string, final bool)
	onResponseDone func()
	onCommitted    func()
	onStateChange  func(State)
	onServerError  func(err error)
}

// New creates a transport. Connect must be called before sending.
func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg:      cfg,
		outbound: make(chan outMsg, cfg.OutboundQueue),
	}
}

// OnAudioDelta sets the callback for decoded assistant audio chunks.
func (t *Transport) OnAudioDelta(fn func(pcm []byte)) { t.onAudioDelta = fn }

// OnAudioDone sets the callback for end of assistant audio.
func (t *Transport) OnAudioDone(fn func()) { t.onAudioDone = fn }

// OnTextDelta sets the callback for assistant text chunks.
func (t *Transport) OnTextDelta(fn func(text string)) { t.onTextDelta = fn }

// OnTranscript sets the callback for user speech transcripts.
func (t *Transport) OnTranscript(fn func(text string, final bool)) { t.onTranscript = fn }

// OnResponseDone sets the callback for response completion.
func (t *Transport) OnResponseDone(fn func()) { t.onResponseDone = fn }

// OnCommitted sets the callback for input buffer commit acks.
func (t *Transport) OnCommitted(fn func()) { t.onCommitted = fn }

// OnStateChange sets the callback for connection-state changes.
func (t *Transport) OnStateChange(fn func(State)) { t.onStateChange = fn }

// OnServerError sets the callback for remote error events. These are
// surfaced, never fatal.
func (t *Transport) OnServerError(fn func(err error)) { t.onServerError = fn }

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready reports whether the remote session is established.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && t.state == StateConnected
}

// DroppedAppends returns the count of audio appends dropped under
// backpressure.
func (t *Transport) DroppedAppends() uint64 { return t.droppedAppends.Load() }

// CodecErrors returns the count of malformed inbound audio chunks.
func (t *Transport) CodecErrors() uint64 { return t.codecErrors.Load() }

// Connect dials the remote endpoint and starts the I/O loops.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.ws != nil {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.notifyState(StateConnecting)

	url := t.cfg.URL
	if t.cfg.Model != "" {
		url = fmt.Sprintf("%s?model=%s", url, t.cfg.Model)
	}

	header := make(map[string][]string)
	if t.cfg.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + t.cfg.APIKey}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		t.mu.Lock()
		t.state = StateError
		t.mu.Unlock()
		t.notifyState(StateError)
		return fmt.Errorf("transport: connect %s: %w", t.cfg.URL, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.ws = ws
	t.connDone = done
	t.state = StateConnected
	t.appended = false
	t.mu.Unlock()
	t.notifyState(StateConnected)

	go t.readLoop(ws, done)
	go t.writeLoop(ws, done)
	go t.keepAlive(ws, done)

	return nil
}

// Reconnect tears down any current connection and dials again. The
// transport never retries on its own; the owner decides whether to
// reconnect or degrade to text-only.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.closeConn()
	return t.Connect(ctx)
}

// Close shuts the transport down for good.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.closeConn()
	return nil
}

// closeConn tears down the active connection without marking the
// transport closed.
func (t *Transport) closeConn() {
	t.mu.Lock()
	ws := t.ws
	done := t.connDone
	t.ws = nil
	t.connDone = nil
	t.ready = false
	t.state = StateDisconnected
	t.mu.Unlock()

	if done != nil {
		close(done)
	}
	if ws != nil {
		ws.Close()
	}
}

// UpdateSession pushes voice, turn-detection and audio-format settings.
func (t *Transport) UpdateSession(sc wire.SessionConfig) error {
	return t.send(wire.Event{Type: wire.TypeSessionUpdate, Session: &sc}, false)
}

// AppendAudio frames a PCM16 chunk and queues it. Called continuously
// from the capture path while the user turn is active; never blocks.
func (t *Transport) AppendAudio(pcm16 []byte) error {
	err := t.send(wire.AudioAppend(codec.EncodeBase64(pcm16)), true)
	if err == nil {
		t.mu.Lock()
		t.appended = true
		t.mu.Unlock()
	}
	return err
}

// CommitAudio commits the input buffer, triggering transcription. A
// commit with nothing appended since the last commit is a safe no-op;
// the remote would reject an empty commit.
func (t *Transport) CommitAudio() error {
	t.mu.Lock()
	if !t.appended {
		t.mu.Unlock()
		log.Debug("skipping commit with empty input buffer")
		return nil
	}
	t.appended = false
	t.mu.Unlock()

	return t.send(wire.Event{Type: wire.TypeInputAudioCommit}, false)
}

// ClearAudio discards the uncommitted input buffer.
func (t *Transport) ClearAudio() error {
	t.mu.Lock()
	t.appended = false
	t.mu.Unlock()
	return t.send(wire.Event{Type: wire.TypeInputAudioClear}, false)
}

// CreateResponse requests a reply. Non-empty instructions carry the
// session's tone/pacing adjustment for this response only.
func (t *Transport) CreateResponse(instructions string) error {
	e := wire.Event{Type: wire.TypeResponseCreate}
	if instructions != "" {
		e.Response = &wire.ResponseConfig{Instructions: instructions}
	}
	return t.send(e, false)
}

// CancelResponse asks the remote side to cancel its in-flight response.
// Sent during barge-in; must be quick, so it is just an enqueue.
func (t *Transport) CancelResponse() error {
	return t.send(wire.Event{Type: wire.TypeResponseCancel}, false)
}

// SendText injects a user text item (hybrid input and the degraded
// text-only mode). Follow with CreateResponse to request the reply.
func (t *Transport) SendText(text string) error {
	return t.send(wire.UserText(text), false)
}

// send marshals and queues an event. Droppable events (audio appends)
// are discarded when the queue is full; control events fail with
// ErrBackpressure after a short wait.
func (t *Transport) send(e wire.Event, droppable bool) error {
	t.mu.Lock()
	connected := t.ws != nil
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := e.Marshal()
	if err != nil {
		return err
	}

	msg := outMsg{data: data, droppable: droppable}
	select {
	case t.outbound <- msg:
		return nil
	default:
	}

	if droppable {
		t.droppedAppends.Add(1)
		log.Debug("dropped audio append under backpressure")
		return nil
	}

	select {
	case t.outbound <- msg:
		return nil
	case <-time.After(500 * time.Millisecond):
		return ErrBackpressure
	}
}

func (t *Transport) writeLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-t.outbound:
			ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				t.connFailed(done, fmt.Errorf("transport: write: %w", err))
				return
			}
		}
	}
}

func (t *Transport) readLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			t.connFailed(done, fmt.Errorf("transport: read: %w", err))
			return
		}

		e, err := wire.Parse(message)
		if err != nil {
			log.Warn("unparseable wire event", "err", err)
			continue
		}
		t.dispatch(e)
	}
}

// keepAlive pings periodically so idle connections stay up. WriteControl
// is safe concurrently with the write loop.
func (t *Transport) keepAlive(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// connFailed handles a dead connection: surface disconnected and tear
// down, unless Close or Reconnect already did.
func (t *Transport) connFailed(done chan struct{}, err error) {
	select {
	case <-done:
		return // deliberate teardown, not a failure
	default:
	}

	t.mu.Lock()
	if t.connDone != done {
		t.mu.Unlock()
		return
	}
	ws := t.ws
	t.ws = nil
	t.connDone = nil
	t.ready = false
	t.state = StateDisconnected
	t.mu.Unlock()

	close(done)
	if ws != nil {
		ws.Close()
	}

	log.Warn("connection lost", "err", err)
	t.notifyState(StateDisconnected)
}

// dispatch routes one inbound event to its consumer by tag.
func (t *Transport) dispatch(e wire.Event) {
	switch e.Type {
	case wire.TypeSessionCreated:
		t.mu.Lock()
		t.ready = true
		t.mu.Unlock()
		log.Debug("remote session established")

	case wire.TypeSessionUpdated:
		// Configuration acknowledged.

	case wire.TypeInputAudioCommitted:
		if t.onCommitted != nil {
			t.onCommitted()
		}

	case wire.TypeSpeechStarted, wire.TypeSpeechStopped:
		// Server-side VAD echoes; local VAD is authoritative.

	case wire.TypeTranscriptDone:
		if t.onTranscript != nil {
			t.onTranscript(e.Transcript, true)
		}

	case wire.TypeResponseAudioDelta:
		pcm, err := codec.DecodeBase64(e.Delta)
		if err != nil {
			t.codecErrors.Add(1)
			log.Warn("dropping malformed audio delta", "err", err)
			return
		}
		if t.onAudioDelta != nil {
			t.onAudioDelta(pcm)
		}

	case wire.TypeResponseAudioDone:
		if t.onAudioDone != nil {
			t.onAudioDone()
		}

	case wire.TypeResponseTextDelta:
		if t.onTextDelta != nil {
			t.onTextDelta(e.Delta)
		}

	case wire.TypeResponseDone:
		if t.onResponseDone != nil {
			t.onResponseDone()
		}

	case wire.TypeError:
		msg := "unknown remote error"
		if e.Error != nil {
			msg = e.Error.Message
		}
		if t.onServerError != nil {
			t.onServerError(fmt.Errorf("transport: remote error: %s", msg))
		}

	default:
		// Unknown or unconsumed event types are a warn-and-continue
		// condition, never fatal.
		if !wire.Known(e.Type) {
			log.Warn("unsupported wire event", "type", string(e.Type))
		}
	}
}

func (t *Transport) notifyState(s State) {
	if t.onStateChange != nil {
		t.onStateChange(s)
	}
}
