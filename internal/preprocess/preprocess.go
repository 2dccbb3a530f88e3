// Package preprocess classifies transcribed utterances before any model call.
package preprocess

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Action dictates what to do with a transcribed utterance.
type Action int

const (
	// Drop discards the utterance entirely.
	Drop Action = iota
	// Continue forwards the cleaned text to the language model.
	Continue
	// Replace answers locally with the payload text.
	Replace
	// VolumeAdjust sets the playback volume to the payload fraction.
	VolumeAdjust
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case Drop:
		return "drop"
	case Continue:
		return "continue"
	case Replace:
		return "replace"
	case VolumeAdjust:
		return "volume-adjust"
	default:
		return "unknown"
	}
}

// Result is the classification outcome. Payload carries the local reply for
// Replace or the cleaned query for Continue; Volume is the fraction for
// VolumeAdjust.
type Result struct {
	Action  Action
	Payload string
	Volume  float64
}

// Phrases ending an utterance that signal the user changed their mind.
// Compared against the alphabetic residue with spaces removed.
var endsWithCancelPhrases = []string{
	"nevermind",
	"forgetit",
	"thankyou",
}

// Phrases anywhere in the utterance that always cancel it.
var containsCancelPhrases = []string{
	"ignorethis",
}

// Characters that only show up when the transcription service garbles audio.
var invalidInputRunes = "©"

var timeQueries = []string{
	"what time is it",
	"what is the time",
	"tell me the time",
}

var timePhrasings = []string{
	"It is %s.",
	"The time is %s.",
	"It is currently %s",
	"%s.",
}

var dateQueries = []string{
	"what is the date",
	"what day is it",
	"what day of the week is it",
}

var datePhrasings = []string{
	"It is %s %s.",
	"%s %s",
}

var volumePattern = regexp.MustCompile(`set(?: your| the)? volume to ([^\s%]+) ?(?:%|percent)?`)

var numberWords = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

// Classify applies the drop/replace/volume/continue rules in order, first
// match wins. Deterministic except that Replace replies are drawn randomly
// from a fixed phrasing set.
func Classify(query string, now time.Time) Result {
	stripped := strings.ToLower(strings.Trim(query, ".?! \t\n"))

	// Alphabetic residue with everything else removed, for phrase matching
	// that survives punctuation and spacing quirks in transcription.
	var alpha strings.Builder
	for _, r := range stripped {
		if unicode.IsLetter(r) {
			alpha.WriteRune(r)
		}
	}
	alphaOnly := alpha.String()

	if alphaOnly == "" || endsWithAny(alphaOnly, endsWithCancelPhrases) || containsAny(alphaOnly, containsCancelPhrases) {
		return Result{Action: Drop}
	}

	// Invalid characters usually mean bad speech-to-text.
	if strings.ContainsAny(stripped, invalidInputRunes) {
		return Result{Action: Drop}
	}

	// A single word is too short to be meaningful.
	if !strings.Contains(stripped, " ") {
		return Result{Action: Drop}
	}

	if reply, ok := checkForTime(stripped, now); ok {
		return Result{Action: Replace, Payload: reply}
	}

	if reply, ok := checkForDate(stripped, now); ok {
		return Result{Action: Replace, Payload: reply}
	}

	if fraction, ok := checkForVolume(stripped); ok {
		return Result{Action: VolumeAdjust, Volume: fraction}
	}

	return Result{Action: Continue, Payload: stripped}
}

func endsWithAny(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// checkForTime answers known time queries locally. The clock string is
// 12-hour with no leading zero.
func checkForTime(query string, now time.Time) (string, bool) {
	for _, q := range timeQueries {
		if query == q {
			phrasing := timePhrasings[rand.Intn(len(timePhrasings))]
			return fmt.Sprintf(phrasing, now.Format("3:04")), true
		}
	}
	return "", false
}

// checkForDate answers known date queries locally, with an ordinal suffix on
// the day of month.
func checkForDate(query string, now time.Time) (string, bool) {
	for _, q := range dateQueries {
		if query == q {
			phrasing := datePhrasings[rand.Intn(len(datePhrasings))]
			return fmt.Sprintf(phrasing, now.Format("Monday, January"), numberSuffix(now.Day())), true
		}
	}
	return "", false
}

// checkForVolume parses "set the volume to N" with N as digits or a number
// word, returning the fraction N/100.
func checkForVolume(query string) (float64, bool) {
	match := volumePattern.FindStringSubmatch(query)
	if match == nil {
		return 0, false
	}

	raw := match[1]
	percent, err := strconv.Atoi(raw)
	if err != nil {
		word := -1
		for i, w := range numberWords {
			if raw == w {
				word = i
				break
			}
		}
		if word < 0 {
			return 0, false
		}
		percent = word
	}

	return float64(percent) / 100, true
}

// numberSuffix renders a day of month with its ordinal suffix. The teens
// (11th, 12th, 13th) all take "th".
func numberSuffix(d int) string {
	suffix := "th"
	if d/10 != 1 {
		switch d % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(d) + suffix
}
