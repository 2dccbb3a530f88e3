// Package stt transcribes recorded utterances with a remote Whisper service.
package stt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"
)

// Transcriber sends WAV files to the transcription API and returns plain
// text. It holds no per-request state and is safe for concurrent use.
type Transcriber struct {
	client   openai.Client
	model    openai.AudioModel
	language string
	log      *zap.SugaredLogger
}

// Config holds transcriber configuration.
type Config struct {
	APIKey   string
	BaseURL  string // optional, for self-hosted Whisper endpoints
	Language string // ISO-639-1 code, empty for auto-detection
	Log      *zap.SugaredLogger
}

// NewTranscriber creates a transcriber backed by the Whisper API.
func NewTranscriber(cfg *Config) *Transcriber {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	language := cfg.Language
	if strings.EqualFold(language, "auto") {
		language = ""
	}
	return &Transcriber{
		client:   openai.NewClient(opts...),
		model:    openai.AudioModelWhisper1,
		language: language,
		log:      cfg.Log,
	}
}

// Transcribe uploads the WAV file at path and returns the recognized text.
// An empty transcription is reported as an error so callers can retry.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		Model: t.model,
		File:  f,
	}
	if t.language != "" {
		params.Language = openai.String(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("transcription returned no text")
	}
	t.log.Debugw("transcribed utterance", "text", text)
	return text, nil
}
