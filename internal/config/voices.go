// Voice metadata for the speech-synthesis service.
package config

import (
	"fmt"
	"sort"
	"strings"
)

// Voice contains display metadata for one synthesis voice.
type Voice struct {
	Gender string
	Note   string
}

// Voices lists the voices accepted by the speech-synthesis service.
// Persona files reference these by name.
var Voices = map[string]Voice{
	"alloy":   {Gender: "neutral", Note: "balanced, clear"},
	"echo":    {Gender: "male", Note: "calm, even"},
	"fable":   {Gender: "male", Note: "expressive, British"},
	"onyx":    {Gender: "male", Note: "deep, authoritative"},
	"nova":    {Gender: "female", Note: "bright, energetic"},
	"shimmer": {Gender: "female", Note: "soft, warm"},
}

// VoiceExists checks if a voice name is valid.
func VoiceExists(name string) bool {
	_, exists := Voices[name]
	return exists
}

// PrintVoices displays all available voices.
func PrintVoices() {
	names := make([]string, 0, len(Voices))
	for name := range Voices {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available synthesis voices:")
	fmt.Printf("%-10s %-8s %s\n", "VOICE", "GENDER", "NOTE")
	fmt.Println(strings.Repeat("─", 40))
	for _, name := range names {
		v := Voices[name]
		fmt.Printf("%-10s %-8s %s\n", name, v.Gender, v.Note)
	}
}
