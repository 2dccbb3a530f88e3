// Package vad scores fixed-length audio frames for voice activity.
package vad

import (
	"fmt"
	"sync"

	"github.com/agriffith/parley/internal/sherpa"
)

// FrameLength is the analysis frame size the detector requires.
// At 16kHz: 512 samples = 32ms, the standard Silero VAD window.
const FrameLength = 512

// Detector scores analysis frames as voice or silence.
type Detector interface {
	// FrameLength returns the required analysis frame size in samples.
	FrameLength() int
	// IsVoice reports whether the frame scored above the voice threshold.
	IsVoice(frame []float32) bool
	// Reset clears accumulated state between recordings.
	Reset()
}

// Config holds Silero VAD configuration.
type Config struct {
	ModelPath  string
	Threshold  float32
	SampleRate int
	NumThreads int
}

// Silero wraps the sherpa-onnx Silero VAD as a frame Detector.
type Silero struct {
	mu  sync.Mutex
	vad *sherpa.VoiceActivityDetector
}

// NewSilero creates a Silero-based detector.
func NewSilero(cfg Config) (*Silero, error) {
	vadConfig := &sherpa.VadModelConfig{}
	vadConfig.SileroVad.Model = cfg.ModelPath
	vadConfig.SileroVad.Threshold = cfg.Threshold
	// Short model-side silence window; the recorder applies its own, longer
	// pause logic on top of per-frame scores.
	vadConfig.SileroVad.MinSilenceDuration = 0.1
	vadConfig.SileroVad.MinSpeechDuration = 0.1
	vadConfig.SileroVad.MaxSpeechDuration = 30.0
	vadConfig.SileroVad.WindowSize = FrameLength
	vadConfig.SampleRate = cfg.SampleRate
	vadConfig.NumThreads = cfg.NumThreads

	vad := sherpa.NewVoiceActivityDetector(vadConfig, 60.0)
	if vad == nil {
		return nil, fmt.Errorf("failed to create voice activity detector")
	}

	return &Silero{vad: vad}, nil
}

// FrameLength implements Detector.
func (s *Silero) FrameLength() int { return FrameLength }

// IsVoice feeds one analysis frame and reports whether speech is active.
func (s *Silero) IsVoice(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vad.AcceptWaveform(frame)
	speech := s.vad.IsSpeech()
	// Drain completed segments; the recorder keeps its own copy of the audio.
	for !s.vad.IsEmpty() {
		s.vad.Pop()
	}
	return speech
}

// Reset implements Detector.
func (s *Silero) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vad.Clear()
}

// Close releases the underlying detector.
func (s *Silero) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vad != nil {
		sherpa.DeleteVoiceActivityDetector(s.vad)
		s.vad = nil
	}
}
