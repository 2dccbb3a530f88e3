// Package convo maintains the token-budgeted conversation and its durable log.
package convo

import (
	"regexp"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry. Immutable once appended; ordering is
// append order.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const timestampLayout = "[January 2, 2006 3:04:05PM]"

var timestampPattern = regexp.MustCompile(`^\[.+\] `)

// AddTimestamp prefixes user text with the spoken-at wall clock time so the
// model can answer "when did I ask" style questions.
func AddTimestamp(text string, now time.Time) string {
	return now.Format(timestampLayout) + " " + text
}

// StripTimestamp removes a leading timestamp annotation before the text is
// sent to speech synthesis.
func StripTimestamp(text string) string {
	return timestampPattern.ReplaceAllString(text, "")
}
