// Scratch WAV recording for in-flight utterances.
package audio

import (
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ScratchWriter streams capture frames to a WAV file as they arrive, so a
// crash mid-recording loses at most the current turn. The finished file is
// what gets uploaded to the speech-to-text service.
type ScratchWriter struct {
	f    *os.File
	enc  *wav.Encoder
	path string
	rate int
}

// NewScratchWriter creates (or truncates) the scratch file at path.
func NewScratchWriter(path string, sampleRate int) (*ScratchWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	return &ScratchWriter{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		path: path,
		rate: sampleRate,
	}, nil
}

// WriteFrames appends float32 samples as 16-bit PCM.
func (w *ScratchWriter) WriteFrames(samples []float32) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		data[i] = int(s * 32767)
	}
	buf := &gaudio.IntBuffer{
		Data:           data,
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: w.rate},
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write scratch frames: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (w *ScratchWriter) Close() error {
	if err := w.enc.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to finalize scratch file: %w", err)
	}
	return w.f.Close()
}

// Path returns the scratch file location.
func (w *ScratchWriter) Path() string { return w.path }
