package web

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/solacelabs/voicepipe/internal/log"
	"github.com/solacelabs/voicepipe/pkg/audio"
	"github.com/solacelabs/voicepipe/pkg/codec"
	"github.com/solacelabs/voicepipe/pkg/hub"
	"github.com/solacelabs/voicepipe/pkg/session"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

func (s *Server) handleConversation(c *fiber.Ctx) error {
	s.mu.Lock()
	entries := append([]ConversationEntry(nil), s.conversation...)
	if s.pending.Len() > 0 {
		entries = append(entries, ConversationEntry{
			Time:    time.Now().Format("15:04:05"),
			Role:    "assistant",
			Message: s.pending.String(),
		})
	}
	s.mu.Unlock()
	return c.JSON(entries)
}

// SpeakRequest is the body for POST /api/speak.
type SpeakRequest struct {
	Text string  `json:"text"`
	Tone string  `json:"tone,omitempty"`
	Rate float64 `json:"rate,omitempty"`
}

// handleSpeak injects text and requests a spoken reply. The reply plays
// asynchronously; the request returns as soon as it is dispatched.
func (s *Server) handleSpeak(c *fiber.Ctx) error {
	var req SpeakRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}

	var tone *session.ToneAdjustment
	if req.Tone != "" {
		rate := req.Rate
		if rate <= 0 {
			rate = 1.0
		}
		tone = &session.ToneAdjustment{Tone: req.Tone, Rate: rate}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.sess.Speak(ctx, req.Text, tone); err != nil {
			log.Warn("speak request failed", "err", err)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "speaking"})
}

// handleListen opens a user turn; transcripts land in the conversation
// buffer and on the status stream.
func (s *Server) handleListen(c *fiber.Ctx) error {
	err := s.sess.Listen(s.NotifyAssistantText, func(text string) {
		s.NotifyUserTranscript(text)
		if err := s.statusHub.BroadcastJSON(fiber.Map{"transcript": text}); err != nil {
			log.Warn("transcript broadcast", "err", err)
		}
	})
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "listening"})
}

func (s *Server) handleInterrupt(c *fiber.Ctx) error {
	s.sess.Interrupt()
	return c.JSON(fiber.Map{"status": "interrupted"})
}

// handleStatusWS streams status updates to a dashboard client.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	client := hub.NewClient(s.statusHub, c)

	// Prime the client with the current status before the ticker.
	if err := c.WriteJSON(s.status()); err != nil {
		log.Debug("status prime", "err", err)
	}

	client.Run()
}

// handleAudioWS is the duplex audio channel: inbound binary frames are
// browser microphone PCM16 pushed into the capture source; outbound
// frames are assistant speech mirrored by SpeakerBroadcast.
func (s *Server) handleAudioWS(c *websocket.Conn) {
	client := hub.NewClient(s.audioHub, c)
	client.OnBinary(func(data []byte) {
		samples, err := codec.PCM16ToFloats(data)
		if err != nil {
			log.Warn("dropping malformed ingest chunk", "err", err)
			return
		}
		s.ingest.Push(audio.Resample(samples, s.ingestRate, audio.SampleRate))
	})
	client.Run()
}
