package convo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreConfig carries everything a Store needs at construction.
type StoreConfig struct {
	HistoryDir     string
	Name           string // persona name, keys the log file
	SystemPrompt   string
	ContextBudget  int
	ResponseBudget int
	Counter        TokenCounter
	Log            *zap.SugaredLogger
}

// Store holds the rolling conversation for one persona. Messages live in
// memory; every append is also written to a JSON-lines log so the
// conversation survives restarts. A shadow backup of the log is refreshed
// after each successful write and is the sole recovery source when the
// primary becomes unreadable.
//
// The system message is kept out of the message slice so eviction can never
// touch it.
type Store struct {
	mu sync.Mutex

	log     *zap.SugaredLogger
	counter TokenCounter

	system         Message
	systemTokens   int
	contextBudget  int
	responseBudget int

	messages    []Message
	totalTokens int

	logPath    string
	backupPath string
	memoryOnly bool
}

// NewStore builds a store and loads any previous conversation from disk.
// Load failures degrade to an empty conversation; they never abort startup.
func NewStore(cfg StoreConfig) *Store {
	path := filepath.Join(cfg.HistoryDir, cfg.Name+".jsonl")
	s := &Store{
		log:     cfg.Log,
		counter: cfg.Counter,
		system: Message{
			Role:      RoleSystem,
			Content:   cfg.SystemPrompt,
			Timestamp: time.Now(),
		},
		contextBudget:  cfg.ContextBudget,
		responseBudget: cfg.ResponseBudget,
		logPath:        path,
		backupPath:     path + ".backup",
	}
	s.systemTokens = cfg.Counter.Count(cfg.SystemPrompt)
	s.totalTokens = s.systemTokens
	s.load()
	return s
}

// Append records a message and persists it. On a durable-write failure the
// primary log is restored from the backup and the write retried once; if that
// also fails the store degrades to in-memory-only and keeps going.
func (s *Store) Append(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{Role: role, Content: content, Timestamp: time.Now()}
	s.messages = append(s.messages, msg)
	s.totalTokens += s.counter.Count(content)

	if s.memoryOnly {
		return
	}
	if err := s.appendRecord(msg); err != nil {
		s.log.Warnw("conversation log write failed, restoring backup", "error", err)
		if rerr := copyFile(s.backupPath, s.logPath); rerr != nil {
			s.log.Warnw("backup restore failed, continuing in memory only", "error", rerr)
			s.memoryOnly = true
			return
		}
		if err = s.appendRecord(msg); err != nil {
			s.log.Warnw("conversation log retry failed, continuing in memory only", "error", err)
			s.memoryOnly = true
			return
		}
	}
	if err := copyFile(s.logPath, s.backupPath); err != nil {
		s.log.Warnw("conversation backup refresh failed", "error", err)
	}
}

// MakeRoom evicts oldest messages until the conversation plus a full response
// fits the context budget. The last message is never evicted, so an oversized
// single turn still goes to the model.
func (s *Store) MakeRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.makeRoomLocked()
}

func (s *Store) makeRoomLocked() {
	limit := s.contextBudget - s.responseBudget
	for len(s.messages) > 1 && s.totalTokens > limit {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		s.totalTokens -= s.counter.Count(evicted.Content)
		s.log.Debugw("evicted oldest message", "role", evicted.Role, "total_tokens", s.totalTokens)
	}
}

// EffectiveContext returns the messages to send to the model: the rolling
// conversation with the system message re-inserted just before the final two
// entries, keeping persona instructions close to the current exchange however
// long the conversation grows.
func (s *Store) EffectiveContext() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.messages)
	cut := n - 2
	if cut < 0 {
		cut = 0
	}
	out := make([]Message, 0, n+1)
	out = append(out, s.messages[:cut]...)
	out = append(out, s.system)
	out = append(out, s.messages[cut:]...)
	return out
}

// Messages returns a copy of the conversation without the system message,
// oldest first.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TotalTokens reports the current budget usage, system message included.
func (s *Store) TotalTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalTokens
}

// load replays the primary log. Any unreadable or corrupt record falls back
// to the backup; the truncated primary replay is kept only when the backup is
// unusable or holds less.
func (s *Store) load() {
	msgs, err := readLog(s.logPath)
	if err != nil {
		s.log.Warnw("conversation log unreadable, trying backup", "path", s.logPath, "error", err)
		backup, berr := readLog(s.backupPath)
		switch {
		case berr == nil && len(backup) >= len(msgs):
			if rerr := copyFile(s.backupPath, s.logPath); rerr != nil {
				s.log.Warnw("primary rewrite from backup failed", "error", rerr)
			}
			msgs = backup
		case len(msgs) > 0:
			s.log.Warnw("backup unusable, keeping records up to the corruption", "error", berr)
			if rerr := s.rewriteLog(msgs); rerr != nil {
				s.log.Warnw("conversation log rewrite failed", "error", rerr)
			}
		default:
			s.log.Warnw("conversation history lost, starting empty", "error", berr)
			return
		}
	}
	s.messages = msgs
	for _, m := range msgs {
		s.totalTokens += s.counter.Count(m.Content)
	}
	s.makeRoomLocked()
	if len(msgs) > 0 {
		if err := copyFile(s.logPath, s.backupPath); err != nil {
			s.log.Warnw("conversation backup refresh failed", "error", err)
		}
	}
	s.log.Infow("conversation loaded", "messages", len(s.messages), "total_tokens", s.totalTokens)
}

// readLog replays a JSON-lines log. A corrupt record stops the replay and is
// reported alongside the records read up to that point, so the caller can
// decide between the backup and the truncated prefix.
func readLog(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return msgs, fmt.Errorf("record %d: %w", len(msgs)+1, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return msgs, err
	}
	return msgs, nil
}

// rewriteLog replaces the primary log with exactly the given records,
// dropping whatever corruption follows them.
func (s *Store) rewriteLog(msgs []Message) error {
	f, err := os.Create(s.logPath)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (s *Store) appendRecord(msg Message) error {
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
