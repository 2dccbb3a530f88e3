package convo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// wordCounter charges one token per whitespace-separated word, which keeps
// budget arithmetic in the tests easy to follow.
type wordCounter struct{}

func (wordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

func newTestStore(t *testing.T, dir string, contextBudget, responseBudget int) *Store {
	t.Helper()
	return NewStore(StoreConfig{
		HistoryDir:     dir,
		Name:           "sage",
		SystemPrompt:   "be brief", // 2 tokens
		ContextBudget:  contextBudget,
		ResponseBudget: responseBudget,
		Counter:        wordCounter{},
		Log:            zap.NewNop().Sugar(),
	})
}

func TestAppendAccumulatesTokens(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 100, 10)
	if got := s.TotalTokens(); got != 2 {
		t.Fatalf("system tokens = %d, want 2", got)
	}
	s.Append(RoleUser, "what time is it")
	s.Append(RoleAssistant, "late")
	if got := s.TotalTokens(); got != 7 {
		t.Fatalf("total tokens = %d, want 7", got)
	}
}

func TestMakeRoomEvictsOldestFirst(t *testing.T) {
	// Budget leaves room for 10 tokens; system uses 2.
	s := newTestStore(t, t.TempDir(), 15, 5)
	s.Append(RoleUser, "one two three")      // 3
	s.Append(RoleAssistant, "four five six") // 3
	s.Append(RoleUser, "seven eight nine")   // 3, total 11 > 10
	s.MakeRoom()

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "four five six" {
		t.Fatalf("oldest surviving message = %q, want the second append", msgs[0].Content)
	}
	if got := s.TotalTokens(); got != 8 {
		t.Fatalf("total tokens after eviction = %d, want 8", got)
	}
}

func TestMakeRoomKeepsLastMessage(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 5, 5)
	s.Append(RoleUser, strings.Repeat("word ", 40))
	s.MakeRoom()
	if len(s.Messages()) != 1 {
		t.Fatal("an oversized single turn must survive eviction")
	}
}

func TestEffectiveContextReinsertsSystem(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 1000, 10)
	s.Append(RoleUser, "a")
	s.Append(RoleAssistant, "b")
	s.Append(RoleUser, "c")
	s.Append(RoleAssistant, "d")

	ctx := s.EffectiveContext()
	roles := make([]Role, len(ctx))
	for i, m := range ctx {
		roles[i] = m.Role
	}
	want := []Role{RoleUser, RoleAssistant, RoleSystem, RoleUser, RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("context length = %d, want %d", len(roles), len(want))
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if ctx[2].Content != "be brief" {
		t.Fatalf("system content = %q", ctx[2].Content)
	}
}

func TestEffectiveContextShortConversations(t *testing.T) {
	s := newTestStore(t, t.TempDir(), 1000, 10)
	if ctx := s.EffectiveContext(); len(ctx) != 1 || ctx[0].Role != RoleSystem {
		t.Fatalf("empty conversation context = %v", ctx)
	}
	s.Append(RoleUser, "hello")
	ctx := s.EffectiveContext()
	if len(ctx) != 2 || ctx[0].Role != RoleSystem || ctx[1].Role != RoleUser {
		t.Fatalf("single message context roles wrong: %v", ctx)
	}
}

func TestReloadAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1000, 10)
	s.Append(RoleUser, "remember me")
	s.Append(RoleAssistant, "noted")

	s2 := newTestStore(t, dir, 1000, 10)
	msgs := s2.Messages()
	if len(msgs) != 2 || msgs[0].Content != "remember me" || msgs[1].Content != "noted" {
		t.Fatalf("reloaded messages = %v", msgs)
	}
}

func TestLoadToleratesCorruptTail(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1000, 10)
	s.Append(RoleUser, "good record")

	path := filepath.Join(dir, "sage.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"role":"assistant","cont`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s2 := newTestStore(t, dir, 1000, 10)
	msgs := s2.Messages()
	if len(msgs) != 1 || msgs[0].Content != "good record" {
		t.Fatalf("messages after corrupt tail = %v", msgs)
	}
}

func TestLoadRestoresBackupOnMidFileCorruption(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1000, 10)
	s.Append(RoleUser, "first")
	s.Append(RoleAssistant, "second")
	s.Append(RoleUser, "third")

	// Garble the first record; the backup still holds all three.
	path := filepath.Join(dir, "sage.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := append([]byte("{garbage\n"), data...)
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, dir, 1000, 10)
	msgs := s2.Messages()
	if len(msgs) != 3 {
		t.Fatalf("recovered %d messages, want 3 from the backup; got %v", len(msgs), msgs)
	}
	if msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("recovered messages = %v", msgs)
	}

	// Recovery must heal the primary, not just this load.
	s3 := newTestStore(t, dir, 1000, 10)
	if got := len(s3.Messages()); got != 3 {
		t.Fatalf("messages after healed reload = %d, want 3", got)
	}
}

func TestLoadKeepsPrefixWhenBackupUnusable(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1000, 10)
	s.Append(RoleUser, "first")
	s.Append(RoleAssistant, "second")

	// Corrupt the second record and take the backup away entirely.
	path := filepath.Join(dir, "sage.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	if err := os.WriteFile(path, []byte(lines[0]+"{garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path + ".backup"); err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, dir, 1000, 10)
	msgs := s2.Messages()
	if len(msgs) != 1 || msgs[0].Content != "first" {
		t.Fatalf("messages after unrecoverable corruption = %v, want the good prefix", msgs)
	}
}

func TestLoadTrimsToBudget(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, 1000, 10)
	for i := 0; i < 6; i++ {
		s.Append(RoleUser, "one two three four five") // 5 tokens each
	}

	// Reopen with a budget that only fits two messages plus the system.
	s2 := newTestStore(t, dir, 17, 5) // limit 12, system 2
	if got := len(s2.Messages()); got != 2 {
		t.Fatalf("messages after budget-constrained reload = %d, want 2", got)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2026, time.March, 5, 15, 7, 9, 0, time.Local)
	stamped := AddTimestamp("what day is it", now)
	if stamped != "[March 5, 2026 3:07:09PM] what day is it" {
		t.Fatalf("stamped = %q", stamped)
	}
	if got := StripTimestamp(stamped); got != "what day is it" {
		t.Fatalf("stripped = %q", got)
	}
	if got := StripTimestamp("no timestamp here"); got != "no timestamp here" {
		t.Fatalf("unstamped text changed: %q", got)
	}
}
