// Package recorder segments the microphone stream into discrete utterances.
package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/vad"
)

// Recording limits and pause windows.
const (
	// MaxDuration bounds how long one recording runs regardless of voice.
	MaxDuration = 25 * time.Second
	// InitialPause gives the speaker time to start talking.
	InitialPause = 4 * time.Second
	// EndingPause ends the recording quickly once the speaker stops.
	EndingPause = 1 * time.Second

	// ScratchFile is the scratch WAV written while recording.
	ScratchFile = "tmp_transcription.wav"
)

// Utterance is one recorded span of audio, already on disk.
type Utterance struct {
	Path       string
	SampleRate int
}

// Source delivers capture frames to a swappable sink.
type Source interface {
	SetSink(audio.SampleSink)
}

// Recorder captures one utterance at a time, gating on voice activity.
type Recorder struct {
	source     Source
	detector   vad.Detector
	gain       float32
	scratchDir string
	log        *zap.SugaredLogger
}

// New creates a Recorder. gain amplifies frames before VAD scoring only;
// the scratch file keeps the unamplified audio.
func New(source Source, detector vad.Detector, gain float64, scratchDir string, log *zap.SugaredLogger) *Recorder {
	if gain <= 0 {
		gain = 1.0
	}
	return &Recorder{
		source:     source,
		detector:   detector,
		gain:       float32(gain),
		scratchDir: scratchDir,
		log:        log,
	}
}

// Record captures until trailing silence outlasts the current pause window
// or MaxDuration elapses. The returned bool reports whether any frame scored
// as voice; when false the caller must skip transcription.
func (r *Recorder) Record(ctx context.Context) (*Utterance, bool, error) {
	path := filepath.Join(r.scratchDir, ScratchFile)
	scratch, err := audio.NewScratchWriter(path, audio.CaptureRate)
	if err != nil {
		return nil, false, err
	}

	frames := make(chan []float32, 64)
	r.source.SetSink(func(samples []float32) {
		select {
		case frames <- samples:
		default:
			// Recorder is behind; drop rather than block the capture loop.
		}
	})
	defer r.source.SetSink(nil)

	r.detector.Reset()
	frameLen := r.detector.FrameLength()

	var (
		voiceDetected bool
		analysis      []float32
		start         = time.Now()
		silenceSince  = start
		pause         = InitialPause
	)

loop:
	for time.Since(start) <= MaxDuration {
		if time.Since(silenceSince) >= pause {
			break
		}

		select {
		case <-ctx.Done():
			scratch.Close()
			return nil, false, ctx.Err()
		case chunk := <-frames:
			if err := scratch.WriteFrames(chunk); err != nil {
				r.log.Warnf("scratch write failed: %v", err)
			}

			analysis = append(analysis, chunk...)
			for len(analysis) >= frameLen {
				frame := make([]float32, frameLen)
				for i := 0; i < frameLen; i++ {
					frame[i] = analysis[i] * r.gain
				}
				analysis = analysis[frameLen:]

				if r.detector.IsVoice(frame) {
					silenceSince = time.Now()
					voiceDetected = true
					// End quickly once the speaker has started and stopped.
					pause = EndingPause
				}
			}
		case <-time.After(100 * time.Millisecond):
			// No frames; fall through to re-check the pause and duration caps.
		}

		if time.Since(start) > MaxDuration {
			break loop
		}
	}

	if err := scratch.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to finalize recording: %w", err)
	}

	r.log.Debugf("recording finished (%.1fs, voice=%v)", time.Since(start).Seconds(), voiceDetected)
	return &Utterance{Path: path, SampleRate: audio.CaptureRate}, voiceDetected, nil
}
