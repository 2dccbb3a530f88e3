package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// LoadWAV reads a WAV file into a playable chunk, downmixing to mono and
// normalizing to [-1, 1]. Used for persona startup sounds.
func LoadWAV(path string) (Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Chunk{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Chunk{}, fmt.Errorf("wav file %s has no audio data", path)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	scale := float32(int64(1) << (dec.BitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(buf.Data[i*channels+ch]) / scale
		}
		samples[i] = sum / float32(channels)
	}

	return Chunk{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}
