// Parley - a voice-driven conversational assistant.
//
// Asleep until a wake word, then a turn-by-turn conversation: record an
// utterance, transcribe it remotely, and speak the model's reply sentence by
// sentence while watching for a stop word.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/config"
	"github.com/agriffith/parley/internal/convo"
	"github.com/agriffith/parley/internal/llm"
	"github.com/agriffith/parley/internal/logging"
	"github.com/agriffith/parley/internal/pipeline"
	"github.com/agriffith/parley/internal/recorder"
	"github.com/agriffith/parley/internal/session"
	"github.com/agriffith/parley/internal/spot"
	"github.com/agriffith/parley/internal/stt"
	"github.com/agriffith/parley/internal/tts"
	"github.com/agriffith/parley/internal/vad"
	"github.com/agriffith/parley/internal/web"
)

func main() {
	listVoices := flag.Bool("voices", false, "list available synthesis voices and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [persona]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *listVoices {
		config.PrintVoices()
		return
	}

	log := logging.Sugar()

	personaName := config.DefaultPersona
	if flag.NArg() > 0 {
		personaName = flag.Arg(0)
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	if err := settings.Validate(); err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	persona, err := config.LoadPersona(settings.PersonaDir, personaName)
	if err != nil {
		log.Fatalf("persona error: %v", err)
	}
	log.Infow("starting", "persona", persona.Name, "voice", persona.Voice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Conversation store.
	counter, err := convo.NewTiktokenCounter(settings.LLM.Model)
	if err != nil {
		log.Fatalf("tokenizer error: %v", err)
	}
	store := convo.NewStore(convo.StoreConfig{
		HistoryDir:     settings.PersonaDir,
		Name:           persona.Name,
		SystemPrompt:   persona.SystemPrompt(settings.LLM.Directives),
		ContextBudget:  settings.LLM.ContextBudget,
		ResponseBudget: settings.LLM.ResponseBudget,
		Counter:        counter,
		Log:            log,
	})

	// Language model.
	llmClient, err := llm.NewClient(&llm.Config{
		Host:        settings.LLM.Host,
		Model:       settings.LLM.Model,
		Temperature: settings.LLM.Temperature,
		NumPredict:  settings.LLM.ResponseBudget,
	})
	if err != nil {
		log.Fatalf("LLM client error: %v", err)
	}
	if err := llmClient.HealthCheck(ctx); err != nil {
		log.Fatalf("LLM connection failed: %v", err)
	}
	log.Infow("language model connected", "host", settings.LLM.Host, "model", settings.LLM.Model)

	// Remote speech services.
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Fatal("OPENAI_API_KEY is not set")
	}
	transcriber := stt.NewTranscriber(&stt.Config{
		APIKey:   apiKey,
		Language: settings.STT.Language,
		Log:      log,
	})
	synthesizer := tts.NewSynthesizer(&tts.Config{
		APIKey: apiKey,
		Voice:  persona.Voice,
		Speed:  settings.TTS.Speed,
		Log:    log,
	})

	// Audio devices.
	player, err := audio.NewPlayer(0, settings.Speaker.Volume, nil)
	if err != nil {
		log.Fatalf("audio player error: %v", err)
	}
	defer player.Close()

	capturer, err := audio.NewCapturer()
	if err != nil {
		log.Fatalf("audio capture error: %v", err)
	}
	defer capturer.Close()

	// Local models: utterance gating and phrase spotting.
	detector, err := vad.NewSilero(vad.Config{
		ModelPath:  settings.VADModel,
		Threshold:  settings.VADThreshold,
		SampleRate: audio.CaptureRate,
		NumThreads: 1,
	})
	if err != nil {
		log.Fatalf("voice activity detector error: %v", err)
	}
	defer detector.Close()

	spotter, err := spot.NewSpotter(&spot.Config{
		VADModel:       settings.VADModel,
		VADThreshold:   settings.VADThreshold,
		WhisperEncoder: settings.SpotterEncoder,
		WhisperDecoder: settings.SpotterDecoder,
		WhisperTokens:  settings.SpotterTokens,
		SampleRate:     audio.CaptureRate,
		Provider:       "cpu",
		NumThreads:     1,
		Log:            log,
	})
	if err != nil {
		log.Fatalf("phrase spotter error: %v", err)
	}
	defer spotter.Close()

	rec := recorder.New(capturer, detector, settings.Microphone.Amplification, os.TempDir(), log)

	// Response pipeline with stop-word barge-in.
	var onDelta func(string)
	var mirror *web.Mirror
	responder := pipeline.New(&pipeline.Config{
		Generator:   llmClient,
		Synthesizer: synthesizer,
		Player:      player,
		Watcher: &stopWatcher{
			spotter: spotter,
			capture: capturer,
			phrases: persona.StopWords,
		},
		OnDelta: func(text string) {
			if onDelta != nil {
				onDelta(text)
			}
		},
		Log: log,
	})

	controller := session.NewController(&session.Config{
		Persona:     persona,
		Store:       store,
		Recorder:    rec,
		Transcriber: transcriber,
		Responder:   responder,
		Spotter:     wakeSpotter{spotter: spotter},
		Capture:     capturer,
		Speaker:     player,
		Notifier:    nil,
		Log:         log,
	})

	if settings.Web.Enabled {
		mirror = web.New(&web.Config{
			Listen: settings.Web.Listen,
			Store:  store,
			Submit: controller.Submit,
			Log:    log,
		})
		mirror.Start()
		onDelta = mirror.AssistantDelta
		controller.SetNotifier(mirror)
	}

	if err := capturer.Start(); err != nil {
		log.Fatalf("audio capture start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = controller.Run(ctx)
	}()

	<-sigChan
	log.Info("shutting down")

	capturer.Stop()
	cancel()
	if mirror != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = mirror.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown timeout, forcing exit")
	}
}

// stopWatcher adapts the phrase spotter and microphone stream to the
// pipeline's barge-in interface.
type stopWatcher struct {
	spotter *spot.Spotter
	capture *audio.Capturer
	phrases []string
}

func (w *stopWatcher) Start() (<-chan string, func()) {
	watch := w.spotter.Start(w.phrases)
	w.capture.SetSink(watch.Sink())
	return watch.Hits(), func() {
		w.capture.SetSink(nil)
		watch.Stop()
	}
}

// wakeSpotter adapts the phrase spotter to the session's wake interface.
type wakeSpotter struct {
	spotter *spot.Spotter
}

func (w wakeSpotter) Start(phrases []string) session.WakeWatch {
	return w.spotter.Start(phrases)
}
