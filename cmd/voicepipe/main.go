// Command voicepipe runs a full-duplex voice conversation pipeline:
// browser microphone audio in over the control server, assistant speech
// back out, with the remote speech endpoint behind a persistent
// websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solacelabs/voicepipe/internal/config"
	"github.com/solacelabs/voicepipe/internal/log"
	"github.com/solacelabs/voicepipe/internal/metrics"
	"github.com/solacelabs/voicepipe/pkg/audio"
	"github.com/solacelabs/voicepipe/pkg/playback"
	"github.com/solacelabs/voicepipe/pkg/session"
	"github.com/solacelabs/voicepipe/pkg/transport"
	"github.com/solacelabs/voicepipe/pkg/turn"
	"github.com/solacelabs/voicepipe/pkg/vad"
	"github.com/solacelabs/voicepipe/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, defaults apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Init(cfg.Logging.Level, cfg.Logging.Format)
	met := metrics.New()

	tr := transport.New(transport.Config{
		URL:           cfg.Transport.URL,
		APIKey:        cfg.Transport.APIKey,
		Model:         cfg.Transport.Model,
		PingInterval:  cfg.Transport.PingInterval.Std(),
		OutboundQueue: cfg.Transport.OutboundQueue,
	})

	src := audio.NewChanSource(cfg.Audio.FrameSize)
	spk := web.NewSpeakerBroadcast()
	var out playback.Output = spk
	if !cfg.Web.Enabled {
		out = playback.NullOutput{}
	}

	sess := session.New(session.Config{
		Voice:        cfg.Session.Voice,
		Instructions: cfg.Session.Instructions,
		VAD: vad.Config{
			Threshold:     cfg.VAD.Threshold,
			Smoothing:     cfg.VAD.Smoothing,
			SpeechFrames:  cfg.VAD.SpeechFrames,
			SilenceFrames: cfg.VAD.SilenceFrames,
		},
		Turn: turn.Config{
			BargeIn:         cfg.Turn.BargeIn,
			SilenceTimeout:  cfg.Turn.SilenceTimeout.Std(),
			MaxTurnDuration: cfg.Turn.MaxTurnDuration.Std(),
		},
	}, tr, src, out, met)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sess.Start(startCtx)
	cancel()
	if err != nil {
		log.Error("session start failed", "err", err)
		os.Exit(1)
	}

	go drainErrors(sess)
	go pollTransportCounters(tr, met)

	if cfg.Web.MetricsAddr != "" {
		go serveMetrics(cfg.Web.MetricsAddr, met)
	}

	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(cfg.Web.Addr, sess, src, spk)
		srv.SetIngestRate(cfg.Audio.IngestRate)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("control server failed", "err", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if srv != nil {
		if err := srv.Shutdown(); err != nil {
			log.Warn("control server shutdown", "err", err)
		}
	}

	snap := sess.Stop()
	log.Info("session summary",
		"session_id", snap.ID,
		"turns", snap.Turns,
		"interruptions", snap.Interruptions,
		"speaking", snap.SpeakingDuration,
		"listening", snap.ListeningDuration,
		"avg_confidence", fmt.Sprintf("%.2f", snap.AvgConfidence),
	)
}

func drainErrors(sess *session.Session) {
	for err := range sess.Errors() {
		log.Error("session error", "err", err)
	}
}

// pollTransportCounters mirrors the transport's internal counters into
// Prometheus. The transport stays metrics-agnostic.
func pollTransportCounters(tr *transport.Transport, met *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastDropped, lastCodec uint64
	for range ticker.C {
		if d := tr.DroppedAppends(); d > lastDropped {
			met.AppendsDropped.Add(float64(d - lastDropped))
			lastDropped = d
		}
		if c := tr.CodecErrors(); c > lastCodec {
			met.CodecErrors.Add(float64(c - lastCodec))
			lastCodec = c
		}
	}
}

func serveMetrics(addr string, met *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	log.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", "err", err)
	}
}
