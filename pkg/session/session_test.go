package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/solacelabs/voicepipe/pkg/audio"
	"github.com/solacelabs/voicepipe/pkg/codec"
	"github.com/solacelabs/voicepipe/pkg/playback"
	"github.com/solacelabs/voicepipe/pkg/transport"
	"github.com/solacelabs/voicepipe/pkg/turn"
	"github.com/solacelabs/voicepipe/pkg/wire"
)

// fakeLink records outbound calls and lets tests drive inbound events.
type fakeLink struct {
	mu           sync.Mutex
	calls        []string
	texts        []string
	instructions []string
	appends      int

	onAudioDelta   func([]byte)
	onTextDelta    func(string)
	onTranscript   func(string, bool)
	onResponseDone func()
	onStateChange  func(transport.State)
	onServerError  func(error)
}

func (f *fakeLink) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeLink) Connect(context.Context) error { f.record("connect"); return nil }
func (f *fakeLink) Close() error                  { f.record("close"); return nil }
func (f *fakeLink) State() transport.State        { return transport.StateConnected }

func (f *fakeLink) UpdateSession(wire.SessionConfig) error { f.record("session.update"); return nil }

func (f *fakeLink) AppendAudio([]byte) error {
	f.mu.Lock()
	f.appends++
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) CommitAudio() error { f.record("commit"); return nil }

func (f *fakeLink) CreateResponse(instructions string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "response.create")
	f.instructions = append(f.instructions, instructions)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) CancelResponse() error { f.record("response.cancel"); return nil }

func (f *fakeLink) SendText(text string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "item.create")
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) OnAudioDelta(fn func([]byte))          { f.onAudioDelta = fn }
func (f *fakeLink) OnAudioDone(func())                    {}
func (f *fakeLink) OnTextDelta(fn func(string))           { f.onTextDelta = fn }
func (f *fakeLink) OnTranscript(fn func(string, bool))    { f.onTranscript = fn }
func (f *fakeLink) OnResponseDone(fn func())              { f.onResponseDone = fn }
func (f *fakeLink) OnCommitted(func())                    {}
func (f *fakeLink) OnStateChange(fn func(transport.State)) { f.onStateChange = fn }
func (f *fakeLink) OnServerError(fn func(error))          { f.onServerError = fn }

func (f *fakeLink) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

func (f *fakeLink) callSeq() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeLink) waitForCall(t *testing.T, call string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range f.callSeq() {
			if c == call {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call %q never made; calls: %v", call, f.callSeq())
}

// countingOutput tracks samples written to the speaker.
type countingOutput struct {
	mu      sync.Mutex
	samples int
}

func (o *countingOutput) Write(samples []float32) error {
	o.mu.Lock()
	o.samples += len(samples)
	o.mu.Unlock()
	return nil
}
func (o *countingOutput) Close() error { return nil }

func (o *countingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samples
}

const frameSize = 128

// loudFrame alternates sign so the DC blocker does not flatten it.
func loudFrame() []float32 {
	buf := make([]float32, frameSize)
	for i := range buf {
		if i%2 == 0 {
			buf[i] = 0.5
		} else {
			buf[i] = -0.5
		}
	}
	return buf
}

func quietFrame() []float32 { return make([]float32, frameSize) }

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeLink, *audio.ChanSource, *countingOutput) {
	t.Helper()
	fl := &fakeLink{}
	src := audio.NewChanSource(frameSize)
	out := &countingOutput{}

	s := New(cfg, fl, src, out, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, fl, src, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCaptureGatedByTurnOwnership(t *testing.T) {
	s, fl, src, _ := newTestSession(t, Config{})

	// No user turn yet: frames must not reach the link.
	for i := 0; i < 10; i++ {
		src.Push(loudFrame())
	}
	time.Sleep(50 * time.Millisecond)
	if n := fl.appendCount(); n != 0 {
		t.Fatalf("%d appends before any user turn", n)
	}

	if err := s.Listen(nil, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	for i := 0; i < 10; i++ {
		src.Push(loudFrame())
	}
	waitFor(t, "appends", func() bool { return fl.appendCount() > 0 })
}

func TestSilenceTimeoutCommitsThenRequestsResponse(t *testing.T) {
	s, fl, src, _ := newTestSession(t, Config{
		Turn: turn.Config{SilenceTimeout: 30 * time.Millisecond},
	})

	if err := s.Listen(nil, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}

	// Enough loud frames to flip the detector, then enough silence to
	// flip it back and arm the silence timeout.
	for i := 0; i < 5; i++ {
		src.Push(loudFrame())
	}
	for i := 0; i < 15; i++ {
		src.Push(quietFrame())
	}

	fl.waitForCall(t, "commit")
	fl.waitForCall(t, "response.create")

	seq := fl.callSeq()
	commitIdx, respIdx := -1, -1
	for i, c := range seq {
		if c == "commit" && commitIdx < 0 {
			commitIdx = i
		}
		if c == "response.create" && respIdx < 0 {
			respIdx = i
		}
	}
	if commitIdx > respIdx {
		t.Errorf("response requested before commit: %v", seq)
	}

	waitFor(t, "turn release", func() bool { return s.Speaker() == turn.None })
}

func TestAssistantAudioPlaysAndReleasesChannel(t *testing.T) {
	s, fl, _, out := newTestSession(t, Config{})

	pcm := codec.FloatsToPCM16(loudFrame())
	fl.onAudioDelta(pcm)

	waitFor(t, "assistant turn", func() bool { return s.Speaker() == turn.Assistant })
	waitFor(t, "playback output", func() bool { return out.count() == frameSize })

	fl.onResponseDone()
	waitFor(t, "channel release", func() bool { return s.Speaker() == turn.None })
}

func TestBargeInCancelsRemoteResponse(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{
		Turn: turn.Config{BargeIn: true},
	})

	fl.onAudioDelta(codec.FloatsToPCM16(loudFrame()))
	waitFor(t, "assistant turn", func() bool { return s.Speaker() == turn.Assistant })

	if err := s.Listen(nil, nil); err != nil {
		t.Fatalf("barge-in listen: %v", err)
	}
	if s.Speaker() != turn.User {
		t.Fatalf("speaker = %v after barge-in", s.Speaker())
	}
	fl.waitForCall(t, "response.cancel")
}

func TestSpeakResolvesOnResponseDone(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Speak(ctx, "hello", nil)
	}()

	fl.waitForCall(t, "item.create")
	fl.waitForCall(t, "response.create")
	fl.onResponseDone()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("speak: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak never resolved")
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if len(fl.texts) != 1 || fl.texts[0] != "hello" {
		t.Errorf("texts = %v", fl.texts)
	}
	if len(fl.instructions) != 1 || !strings.Contains(fl.instructions[0], "neutral") {
		t.Errorf("instructions = %v", fl.instructions)
	}
}

func TestSpeakToneOverrideBeatsPolicy(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{})
	s.SetUrgency(UrgencyHigh) // policy would pick calm

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- s.Speak(ctx, "override me", &ToneAdjustment{Tone: "cheerful", Rate: 1.0})
	}()

	fl.waitForCall(t, "response.create")
	fl.onResponseDone()
	if err := <-done; err != nil {
		t.Fatalf("speak: %v", err)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if !strings.Contains(fl.instructions[0], "cheerful") {
		t.Errorf("instructions = %v", fl.instructions)
	}
}

func TestTranscriptReachesListener(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{})

	finals := make(chan string, 1)
	if err := s.Listen(nil, func(text string) { finals <- text }); err != nil {
		t.Fatalf("listen: %v", err)
	}

	fl.onTranscript("turn left at the lighthouse", true)
	select {
	case got := <-finals:
		if got != "turn left at the lighthouse" {
			t.Errorf("transcript = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("final transcript never delivered")
	}
}

func TestDisconnectDegradesWithoutCrash(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{})

	fl.onStateChange(transport.StateDisconnected)

	waitFor(t, "degraded state", func() bool { return s.State() == "degraded" })
	if s.Speaker() != turn.None {
		t.Errorf("speaker = %v after degrade, want none", s.Speaker())
	}

	select {
	case err := <-s.Errors():
		if err == nil {
			t.Error("nil error surfaced")
		}
	case <-time.After(time.Second):
		t.Fatal("degradation never surfaced on the error channel")
	}

	// Text input still works in degraded mode.
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- s.Speak(ctx, "still here", nil)
	}()
	fl.waitForCall(t, "item.create")
	fl.onResponseDone()
	if err := <-done; err != nil {
		t.Errorf("speak in degraded mode: %v", err)
	}
}

func TestRemoteErrorSurfacesNotFatal(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{})

	fl.onServerError(errors.New("rate limited"))

	select {
	case err := <-s.Errors():
		if err == nil || !strings.Contains(err.Error(), "rate limited") {
			t.Errorf("surfaced error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("remote error never surfaced")
	}
	if s.State() != "running" {
		t.Errorf("state = %q after remote error", s.State())
	}
}

func TestStopFinalizesSnapshot(t *testing.T) {
	s, fl, src, _ := newTestSession(t, Config{})

	if err := s.Listen(nil, nil); err != nil {
		t.Fatalf("listen: %v", err)
	}
	for i := 0; i < 5; i++ {
		src.Push(loudFrame())
	}
	waitFor(t, "appends", func() bool { return fl.appendCount() > 0 })

	snap := s.Stop()
	if snap.FinalState != "stopped" {
		t.Errorf("final state = %q", snap.FinalState)
	}
	if snap.ID == "" {
		t.Error("empty session id")
	}
	if snap.Turns == 0 {
		t.Error("no turns recorded")
	}
	if snap.StoppedAt.Before(snap.StartedAt) {
		t.Error("stop time before start time")
	}

	// Idempotent: a second stop returns the same final state.
	again := s.Stop()
	if again.FinalState != "stopped" || again.ID != snap.ID {
		t.Errorf("second stop = %+v", again)
	}

	if err := s.Listen(nil, nil); err != ErrNotRunning {
		t.Errorf("listen after stop: %v, want ErrNotRunning", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s, _, _, _ := newTestSession(t, Config{})
	if err := s.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second start: %v, want ErrAlreadyStarted", err)
	}
}

func TestUpdateConfigPushesSessionUpdate(t *testing.T) {
	s, fl, _, _ := newTestSession(t, Config{Voice: "alloy"})

	if err := s.UpdateConfig("verse", "keep answers short"); err != nil {
		t.Fatalf("update config: %v", err)
	}

	fl.mu.Lock()
	updates := 0
	for _, c := range fl.calls {
		if c == "session.update" {
			updates++
		}
	}
	fl.mu.Unlock()

	// One push at start, one for the update.
	if updates != 2 {
		t.Errorf("session.update calls = %d, want 2", updates)
	}
}

var _ playback.Output = (*countingOutput)(nil)
