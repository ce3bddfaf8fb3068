package session

import (
	"fmt"
	"time"
)

// Engagement classifies how engaged the user currently is.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementHigh   Engagement = "high"
)

// Urgency classifies how urgent the conversation is.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ConversationContext is the rolling state the pacing adapter reads.
// The session updates it after each turn completion.
type ConversationContext struct {
	Topic         string
	EmotionalTone string
	Engagement    Engagement
	Urgency       Urgency
	LastUserInput time.Time
	Interruptions uint64
}

// ToneAdjustment is the output of the pacing policy: a tone label and a
// speaking-rate multiplier (1.0 = normal pace).
type ToneAdjustment struct {
	Tone string
	Rate float64
}

// Instructions renders the adjustment as per-response guidance for the
// remote voice model.
func (a ToneAdjustment) Instructions() string {
	s := fmt.Sprintf("Respond in a %s tone.", a.Tone)
	if a.Rate < 1.0 {
		s += fmt.Sprintf(" Speak at about %d%% of your normal pace.", int(a.Rate*100))
	}
	return s
}

// Policy maps conversation context to a tone/rate adjustment. It must
// be a deterministic pure function; callers may override its result per
// request.
type Policy func(ConversationContext) ToneAdjustment

// DefaultPolicy applies the adjustments in precedence order: repeated
// interruptions win over urgency, urgency over low engagement.
func DefaultPolicy(ctx ConversationContext) ToneAdjustment {
	switch {
	case ctx.Interruptions >= 3:
		return ToneAdjustment{Tone: "understanding", Rate: 0.95}
	case ctx.Urgency == UrgencyHigh:
		return ToneAdjustment{Tone: "calm", Rate: 0.9}
	case ctx.Engagement == EngagementLow:
		return ToneAdjustment{Tone: "encouraging", Rate: 0.9}
	default:
		return ToneAdjustment{Tone: "neutral", Rate: 1.0}
	}
}

// classifyEngagement derives engagement from how recently the user
// spoke. Thresholds are tunable heuristics, not invariants.
func classifyEngagement(sinceLastInput time.Duration) Engagement {
	switch {
	case sinceLastInput < 10*time.Second:
		return EngagementHigh
	case sinceLastInput < 30*time.Second:
		return EngagementMedium
	default:
		return EngagementLow
	}
}
