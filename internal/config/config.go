// Package config loads persona files and application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultPersona is used when no persona name is given on the command line.
const DefaultPersona = "sage"

// Persona describes one assistant personality. Loaded from
// personas/<name>.yaml; a missing file or missing required field is a
// startup failure.
type Persona struct {
	Name             string
	WakeWords        []string `mapstructure:"wake_words"`
	StopWords        []string `mapstructure:"stop_words"`
	PersonalityRules []string `mapstructure:"personality_rules"`
	Voice            string   `mapstructure:"voice"`
	StartupSound     string   `mapstructure:"startup_sound"`
}

// MicrophoneSettings configures the capture device.
type MicrophoneSettings struct {
	Rate          int     `mapstructure:"rate"`
	Amplification float64 `mapstructure:"amplification"`
}

// SpeakerSettings configures the playback device.
type SpeakerSettings struct {
	Volume float64 `mapstructure:"volume"`
}

// LLMSettings configures the language-model service.
type LLMSettings struct {
	Host           string   `mapstructure:"host"`
	Model          string   `mapstructure:"model"`
	Temperature    float64  `mapstructure:"temperature"`
	ContextBudget  int      `mapstructure:"context_budget"`
	ResponseBudget int      `mapstructure:"response_budget"`
	Directives     []string `mapstructure:"directives"`
}

// STTSettings configures the speech-to-text service.
type STTSettings struct {
	Language string `mapstructure:"language"`
}

// TTSSettings configures the speech-synthesis service.
type TTSSettings struct {
	Speed float64 `mapstructure:"speed"`
}

// WebSettings configures the optional chat mirror.
type WebSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Settings holds all non-persona configuration.
type Settings struct {
	Microphone   MicrophoneSettings `mapstructure:"microphone"`
	Speaker      SpeakerSettings    `mapstructure:"speaker"`
	LLM          LLMSettings        `mapstructure:"llm"`
	STT          STTSettings        `mapstructure:"stt"`
	TTS          TTSSettings        `mapstructure:"tts"`
	Web          WebSettings        `mapstructure:"web"`
	ModelDir     string             `mapstructure:"model_dir"`
	PersonaDir   string             `mapstructure:"persona_dir"`
	VADThreshold float32            `mapstructure:"vad_threshold"`

	// Derived sherpa model paths.
	VADModel       string
	SpotterEncoder string
	SpotterDecoder string
	SpotterTokens  string
}

// LoadSettings reads config.yaml from the working directory, falling back
// to defaults when the file is absent. Only malformed files are an error.
func LoadSettings() (*Settings, error) {
	homeDir, _ := os.UserHomeDir()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("microphone.rate", 48000)
	v.SetDefault("microphone.amplification", 1.0)
	v.SetDefault("speaker.volume", 0.8)
	v.SetDefault("llm.host", "http://localhost:11434")
	v.SetDefault("llm.model", "gemma3:1b")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.context_budget", 4096)
	v.SetDefault("llm.response_budget", 250)
	v.SetDefault("stt.language", "en")
	v.SetDefault("tts.speed", 1.0)
	v.SetDefault("web.enabled", true)
	v.SetDefault("web.listen", ":8088")
	v.SetDefault("model_dir", filepath.Join(homeDir, ".parley", "models"))
	v.SetDefault("persona_dir", "personas")
	v.SetDefault("vad_threshold", 0.5)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	s.VADModel = filepath.Join(s.ModelDir, "silero_vad.onnx")
	spotDir := filepath.Join(s.ModelDir, "whisper-tiny")
	s.SpotterEncoder = filepath.Join(spotDir, "tiny-encoder.int8.onnx")
	s.SpotterDecoder = filepath.Join(spotDir, "tiny-decoder.int8.onnx")
	s.SpotterTokens = filepath.Join(spotDir, "tiny-tokens.txt")

	return &s, nil
}

// Validate checks that the sherpa model files exist.
func (s *Settings) Validate() error {
	required := []string{s.VADModel, s.SpotterEncoder, s.SpotterDecoder, s.SpotterTokens}
	for _, path := range required {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("required model file not found: %s", path)
		}
	}
	return nil
}

// LoadPersona reads personas/<name>.yaml and validates required fields.
func LoadPersona(dir, name string) (*Persona, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("persona %q: %w", name, err)
	}

	var p Persona
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("persona %q: %w", name, err)
	}
	p.Name = name

	required := map[string][]string{
		"wake_words":        p.WakeWords,
		"stop_words":        p.StopWords,
		"personality_rules": p.PersonalityRules,
	}
	for key, val := range required {
		if len(val) == 0 {
			return nil, fmt.Errorf("persona %q: missing required field %q", name, key)
		}
	}
	if p.Voice == "" {
		return nil, fmt.Errorf("persona %q: missing required field %q", name, "voice")
	}
	if !VoiceExists(p.Voice) {
		return nil, fmt.Errorf("persona %q: unknown voice %q", name, p.Voice)
	}

	return &p, nil
}

// SystemPrompt joins the persona rules and the shared directives into the
// system message content.
func (p *Persona) SystemPrompt(directives []string) string {
	prompt := ""
	for i, rule := range p.PersonalityRules {
		if i > 0 {
			prompt += " "
		}
		prompt += rule
	}
	if len(directives) > 0 {
		prompt += "\n\n"
		for i, d := range directives {
			if i > 0 {
				prompt += " "
			}
			prompt += d
		}
	}
	return prompt
}
