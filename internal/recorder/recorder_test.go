package recorder

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/vad"
)

type fakeSource struct {
	mu   sync.Mutex
	sink audio.SampleSink
}

func (f *fakeSource) SetSink(sink audio.SampleSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *fakeSource) push(samples []float32) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(samples)
	}
}

// fakeDetector scores a frame as voice when its first sample is loud.
type fakeDetector struct{}

func (fakeDetector) FrameLength() int { return vad.FrameLength }
func (fakeDetector) IsVoice(frame []float32) bool {
	return len(frame) > 0 && frame[0] > 0.5
}
func (fakeDetector) Reset() {}

func frame(value float32) []float32 {
	out := make([]float32, vad.FrameLength)
	for i := range out {
		out[i] = value
	}
	return out
}

func TestRecordEndsAfterTrailingSilence(t *testing.T) {
	source := &fakeSource{}
	rec := New(source, fakeDetector{}, 1.0, t.TempDir(), zap.NewNop().Sugar())

	done := make(chan struct{})
	var utt *Utterance
	var voiced bool
	var err error
	go func() {
		defer close(done)
		utt, voiced, err = rec.Record(context.Background())
	}()

	// A short burst of voice, then nothing.
	for i := 0; i < 8; i++ {
		source.push(frame(1.0))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(EndingPause + 3*time.Second):
		t.Fatal("recording did not end after trailing silence")
	}
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !voiced {
		t.Fatal("voice frames were pushed but not detected")
	}
	info, statErr := os.Stat(utt.Path)
	if statErr != nil {
		t.Fatalf("scratch file missing: %v", statErr)
	}
	// 8 frames of 16-bit samples plus the WAV header.
	if info.Size() <= 44 {
		t.Fatalf("scratch file size = %d, want audio past the header", info.Size())
	}
	if utt.SampleRate != audio.CaptureRate {
		t.Fatalf("sample rate = %d, want %d", utt.SampleRate, audio.CaptureRate)
	}
}

func TestRecordReportsNoVoice(t *testing.T) {
	source := &fakeSource{}
	rec := New(source, fakeDetector{}, 1.0, t.TempDir(), zap.NewNop().Sugar())

	done := make(chan struct{})
	var voiced bool
	var err error
	go func() {
		defer close(done)
		_, voiced, err = rec.Record(context.Background())
	}()

	// Quiet frames only; the initial pause window should expire.
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				source.push(frame(0.0))
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(InitialPause + 3*time.Second):
		t.Fatal("recording did not end after the initial pause")
	}
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if voiced {
		t.Fatal("silence must not count as voice")
	}
}

func TestRecordHonorsCancellation(t *testing.T) {
	source := &fakeSource{}
	rec := New(source, fakeDetector{}, 1.0, t.TempDir(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, err := rec.Record(ctx)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
