// Package tts synthesizes speech via a remote speech API, streaming PCM
// audio back in playable chunks.
package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
)

// The speech API streams raw PCM at a fixed format: 24kHz, 16-bit signed
// little-endian, mono.
const (
	pcmSampleRate = 24000
	readChunk     = 4096
)

// Synthesizer converts text to speech chunks. Safe for concurrent use.
type Synthesizer struct {
	client openai.Client
	model  openai.SpeechModel
	voice  string
	speed  float64
	log    *zap.SugaredLogger
}

// Config holds synthesizer configuration.
type Config struct {
	APIKey  string
	BaseURL string  // optional, for self-hosted endpoints
	Voice   string  // one of the catalog voices, e.g. "onyx"
	Speed   float64 // 0.25 to 4.0, 1.0 is natural
	Log     *zap.SugaredLogger
}

// NewSynthesizer creates a synthesizer backed by the speech API.
func NewSynthesizer(cfg *Config) *Synthesizer {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	speed := cfg.Speed
	if speed == 0 {
		speed = 1.0
	}
	return &Synthesizer{
		client: openai.NewClient(opts...),
		model:  openai.SpeechModelTTS1,
		voice:  cfg.Voice,
		speed:  speed,
		log:    cfg.Log,
	}
}

// Synthesize requests speech for text and streams decoded chunks on the
// returned channel as the response body arrives, so playback can begin
// before synthesis finishes. The chunk channel is closed when the stream
// ends; a mid-stream failure is reported on the error channel after the
// chunks already decoded. Cancelling ctx aborts the download.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan audio.Chunk, <-chan error) {
	chunks := make(chan audio.Chunk, 8)
	errc := make(chan error, 1)

	text = strings.TrimSpace(text)
	if text == "" {
		close(chunks)
		errc <- fmt.Errorf("empty text")
		return chunks, errc
	}

	go func() {
		defer close(chunks)
		defer close(errc)

		resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
			Model:          s.model,
			Input:          text,
			Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
			Speed:          openai.Float(s.speed),
		})
		if err != nil {
			errc <- fmt.Errorf("speech request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, readChunk)
		var carry byte
		var haveCarry bool
		total := 0
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				data := buf[:n]
				if haveCarry {
					data = append([]byte{carry}, data...)
					haveCarry = false
				}
				if len(data)%2 != 0 {
					carry = data[len(data)-1]
					haveCarry = true
					data = data[:len(data)-1]
				}
				samples := decodePCM16(data)
				total += len(samples)
				select {
				case chunks <- audio.Chunk{Samples: samples, SampleRate: pcmSampleRate}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if rerr == io.EOF {
				s.log.Debugw("synthesized speech", "samples", total)
				return
			}
			if rerr != nil {
				errc <- fmt.Errorf("speech stream failed: %w", rerr)
				return
			}
		}
	}()

	return chunks, errc
}

func decodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}
