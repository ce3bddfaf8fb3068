// Package web exposes the control surface for a running conversation:
// REST endpoints to speak, listen and interrupt, a status websocket for
// dashboards, and a full-duplex audio websocket that carries browser
// microphone input in and assistant speech out.
package web

import (
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/solacelabs/voicepipe/internal/log"
	"github.com/solacelabs/voicepipe/pkg/audio"
	"github.com/solacelabs/voicepipe/pkg/codec"
	"github.com/solacelabs/voicepipe/pkg/hub"
	"github.com/solacelabs/voicepipe/pkg/session"
)

// Status is the dashboard view of the running session.
type Status struct {
	SessionID  string `json:"session_id"`
	State      string `json:"state"`
	Speaker    string `json:"speaker"`
	Engagement string `json:"engagement"`
	Urgency    string `json:"urgency"`
	Clients    int    `json:"clients"`
}

// ConversationEntry is one line of the transcript view.
type ConversationEntry struct {
	Time    string `json:"time"`
	Role    string `json:"role"` // user or assistant
	Message string `json:"message"`
}

// Server hosts the HTTP and websocket control surface for one session.
type Server struct {
	app  *fiber.App
	addr string

	sess       *session.Session
	ingest     *audio.ChanSource
	ingestRate int

	statusHub *hub.Hub
	audioHub  *hub.Hub

	mu           sync.Mutex
	conversation []ConversationEntry
	pending      strings.Builder // assistant utterance under construction

	stop chan struct{}
}

// NewServer builds the control server around a session and its browser
// audio ingest source. spk is the broadcast the session plays into; it
// is created before the session (which needs it as its output) and
// handed here so /ws/audio clients hear assistant speech. Nil spk gets
// a detached broadcast.
func NewServer(addr string, sess *session.Session, ingest *audio.ChanSource, spk *SpeakerBroadcast) *Server {
	if spk == nil {
		spk = NewSpeakerBroadcast()
	}
	s := &Server{
		addr:         addr,
		sess:         sess,
		ingest:       ingest,
		ingestRate:   audio.SampleRate,
		statusHub:    hub.New("status"),
		audioHub:     spk.hub,
		conversation: make([]ConversationEntry, 0, 128),
		stop:         make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicepipe",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/conversation", s.handleConversation)
	api.Post("/speak", s.handleSpeak)
	api.Post("/listen", s.handleListen)
	api.Post("/interrupt", s.handleInterrupt)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))
	app.Get("/ws/audio", websocket.New(s.handleAudioWS))

	s.app = app
	return s
}

// SetIngestRate declares the sample rate of inbound audio frames.
// Chunks are resampled to the pipeline rate when they differ.
func (s *Server) SetIngestRate(rate int) {
	if rate > 0 {
		s.ingestRate = rate
	}
}

// Start runs the hubs, the status ticker and the listener. Blocks.
func (s *Server) Start() error {
	go s.statusHub.Run()
	go s.audioHub.Run()
	go s.statusTicker()

	log.Info("control server listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown() error {
	close(s.stop)
	return s.app.Shutdown()
}

// statusTicker pushes the session status to dashboard clients once a
// second while any are connected.
func (s *Server) statusTicker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.statusHub.ClientCount() == 0 {
				continue
			}
			if err := s.statusHub.BroadcastJSON(s.status()); err != nil {
				log.Warn("status broadcast", "err", err)
			}
		}
	}
}

func (s *Server) status() Status {
	ctx := s.sess.Context()
	return Status{
		SessionID:  s.sess.ID(),
		State:      s.sess.State(),
		Speaker:    s.sess.Speaker().String(),
		Engagement: string(ctx.Engagement),
		Urgency:    string(ctx.Urgency),
		Clients:    s.statusHub.ClientCount() + s.audioHub.ClientCount(),
	}
}

// NotifyUserTranscript records a finished user utterance and flushes
// any assistant text accumulated before it.
func (s *Server) NotifyUserTranscript(text string) {
	s.mu.Lock()
	s.flushPendingLocked()
	s.appendLocked("user", text)
	s.mu.Unlock()
}

// NotifyAssistantText accumulates streamed assistant text into the
// current utterance.
func (s *Server) NotifyAssistantText(delta string) {
	s.mu.Lock()
	s.pending.WriteString(delta)
	s.mu.Unlock()
}

func (s *Server) appendLocked(role, message string) {
	s.conversation = append(s.conversation, ConversationEntry{
		Time:    time.Now().Format("15:04:05"),
		Role:    role,
		Message: message,
	})
	if len(s.conversation) > 500 {
		s.conversation = s.conversation[1:]
	}
}

func (s *Server) flushPendingLocked() {
	if s.pending.Len() == 0 {
		return
	}
	s.appendLocked("assistant", s.pending.String())
	s.pending.Reset()
}

// SpeakerBroadcast adapts the audio hub to the playback output
// contract: every chunk the scheduler plays is mirrored to connected
// audio clients as PCM16.
type SpeakerBroadcast struct {
	hub *hub.Hub
}

// NewSpeakerBroadcast creates the broadcast with its own audio hub.
func NewSpeakerBroadcast() *SpeakerBroadcast {
	return &SpeakerBroadcast{hub: hub.New("audio")}
}

func (b *SpeakerBroadcast) Write(samples []float32) error {
	b.hub.BroadcastBinary(codec.FloatsToPCM16(samples))
	return nil
}

func (b *SpeakerBroadcast) Close() error { return nil }
