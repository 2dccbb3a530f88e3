// Package spot detects short spoken phrases, used for wake words while the
// assistant sleeps and stop words while it speaks. Detection runs fully
// locally: a voice activity detector segments the microphone stream and a
// small offline recognizer transcribes each segment for phrase matching.
package spot

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/sherpa"
)

// Phrase utterances are short, so speech segments are capped tightly to keep
// recognition latency low.
const (
	minSpeechDuration  = 0.1
	maxSpeechDuration  = 5.0
	silenceDuration    = 0.25
	vadWindowSize      = 512
	vadBufferSeconds   = 10.0
	frameQueueCapacity = 64
)

// Spotter owns the shared detection engine. Only one Watch may be active at
// a time; the engine state is reset when a new watch starts.
type Spotter struct {
	mu         sync.Mutex
	vad        *sherpa.VoiceActivityDetector
	recognizer *sherpa.OfflineRecognizer
	sampleRate int
	log        *zap.SugaredLogger
}

// Config holds spotter configuration.
type Config struct {
	VADModel       string
	VADThreshold   float32
	WhisperEncoder string
	WhisperDecoder string
	WhisperTokens  string
	SampleRate     int
	Provider       string
	NumThreads     int
	Log            *zap.SugaredLogger
}

// NewSpotter creates the detection engine.
func NewSpotter(cfg *Config) (*Spotter, error) {
	vadConfig := &sherpa.VadModelConfig{}
	vadConfig.SileroVad.Model = cfg.VADModel
	vadConfig.SileroVad.Threshold = cfg.VADThreshold
	vadConfig.SileroVad.MinSilenceDuration = silenceDuration
	vadConfig.SileroVad.MinSpeechDuration = minSpeechDuration
	vadConfig.SileroVad.MaxSpeechDuration = maxSpeechDuration
	vadConfig.SileroVad.WindowSize = vadWindowSize
	vadConfig.SampleRate = cfg.SampleRate
	vadConfig.NumThreads = cfg.NumThreads

	vad := sherpa.NewVoiceActivityDetector(vadConfig, vadBufferSeconds)
	if vad == nil {
		return nil, fmt.Errorf("failed to create voice activity detector")
	}

	recognizerConfig := &sherpa.OfflineRecognizerConfig{}
	recognizerConfig.ModelConfig.Whisper.Encoder = cfg.WhisperEncoder
	recognizerConfig.ModelConfig.Whisper.Decoder = cfg.WhisperDecoder
	recognizerConfig.ModelConfig.Whisper.Language = "en"
	recognizerConfig.ModelConfig.Whisper.Task = "transcribe"
	recognizerConfig.ModelConfig.Whisper.TailPaddings = -1
	recognizerConfig.ModelConfig.Tokens = cfg.WhisperTokens
	recognizerConfig.ModelConfig.NumThreads = cfg.NumThreads
	recognizerConfig.ModelConfig.Provider = cfg.Provider
	recognizerConfig.DecodingMethod = "greedy_search"

	recognizer := sherpa.NewOfflineRecognizer(recognizerConfig)
	if recognizer == nil {
		sherpa.DeleteVoiceActivityDetector(vad)
		return nil, fmt.Errorf("failed to create phrase recognizer")
	}

	return &Spotter{
		vad:        vad,
		recognizer: recognizer,
		sampleRate: cfg.SampleRate,
		log:        cfg.Log,
	}, nil
}

// Start begins watching for any of the given phrases. Attach the watch's
// Sink to the microphone stream; every detected phrase is delivered on Hits.
// Call Stop when done.
func (s *Spotter) Start(phrases []string) *Watch {
	normalized := make([]string, len(phrases))
	for i, p := range phrases {
		normalized[i] = normalize(p)
	}
	w := &Watch{
		spotter: s,
		phrases: normalized,
		hits:    make(chan string, 4),
		frames:  make(chan []float32, frameQueueCapacity),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.vad.Clear()
	s.mu.Unlock()
	go w.run()
	return w
}

// Close releases the engine.
func (s *Spotter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vad != nil {
		sherpa.DeleteVoiceActivityDetector(s.vad)
		s.vad = nil
	}
	if s.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(s.recognizer)
		s.recognizer = nil
	}
}

// feed pushes samples through the detector and returns the transcriptions of
// any segments that completed.
func (s *Spotter) feed(samples []float32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vad.AcceptWaveform(samples)
	var texts []string
	for !s.vad.IsEmpty() {
		segment := s.vad.Front()
		s.vad.Pop()
		if len(segment.Samples) == 0 {
			continue
		}
		if text := s.transcribeLocked(segment.Samples); text != "" {
			texts = append(texts, text)
		}
	}
	return texts
}

func (s *Spotter) transcribeLocked(samples []float32) string {
	stream := sherpa.NewOfflineStream(s.recognizer)
	if stream == nil {
		return ""
	}
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(s.sampleRate, samples)
	s.recognizer.Decode(stream)
	return strings.TrimSpace(stream.GetResult().Text)
}

// Watch is one active phrase-detection session.
type Watch struct {
	spotter  *Spotter
	phrases  []string
	hits     chan string
	frames   chan []float32
	done     chan struct{}
	stopOnce sync.Once
}

// Sink returns the capture sink to attach to the microphone stream. Frames
// are queued without blocking the audio callback; excess frames are dropped.
func (w *Watch) Sink() audio.SampleSink {
	return func(samples []float32) {
		buf := make([]float32, len(samples))
		copy(buf, samples)
		select {
		case w.frames <- buf:
		default:
		}
	}
}

// Hits delivers each detected phrase in its normalized form.
func (w *Watch) Hits() <-chan string {
	return w.hits
}

// Stop ends the watch. The Hits channel is closed once the worker drains.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watch) run() {
	defer close(w.hits)
	for {
		select {
		case <-w.done:
			return
		case samples := <-w.frames:
			for _, text := range w.spotter.feed(samples) {
				heard := normalize(text)
				for _, phrase := range w.phrases {
					if strings.Contains(heard, phrase) {
						w.spotter.log.Debugw("phrase detected", "phrase", phrase, "heard", text)
						select {
						case w.hits <- phrase:
						default:
						}
						break
					}
				}
			}
		}
	}
}

// normalize lowercases and strips everything but letters and digits so that
// punctuation and spacing in the transcription cannot defeat a match.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
