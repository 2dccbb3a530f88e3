package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/convo"
)

type fakeGenerator struct {
	deltas       []string
	delay        time.Duration
	failuresLeft int
}

func (f *fakeGenerator) Stream(ctx context.Context, _ []convo.Message, onDelta func(string) error) error {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return fmt.Errorf("model unavailable")
	}
	for _, d := range f.deltas {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

type fakeSynthesizer struct {
	mu            sync.Mutex
	calls         []string
	failuresLeft  int
	delay         time.Duration
	chunksPerCall int // 0 means 1
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) (<-chan audio.Chunk, <-chan error) {
	chunks := make(chan audio.Chunk, 2)
	errc := make(chan error, 1)

	f.mu.Lock()
	f.calls = append(f.calls, text)
	fail := f.failuresLeft > 0
	if fail {
		f.failuresLeft--
	}
	n := f.chunksPerCall
	f.mu.Unlock()
	if n == 0 {
		n = 1
	}

	go func() {
		defer close(chunks)
		defer close(errc)
		if fail {
			errc <- fmt.Errorf("synthesis unavailable")
			return
		}
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		for i := 0; i < n; i++ {
			chunks <- audio.Chunk{Samples: make([]float32, 240), SampleRate: 24000}
		}
	}()
	return chunks, errc
}

func (f *fakeSynthesizer) sentences() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakePlayer struct {
	mu          sync.Mutex
	played      int
	delay       time.Duration
	err         error
	interrupted atomic.Bool
	onPlay      func(n int)
}

func (f *fakePlayer) Play(_ audio.Chunk) error {
	f.mu.Lock()
	f.played++
	n := f.played
	f.mu.Unlock()
	if f.onPlay != nil {
		f.onPlay(n)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakePlayer) Interrupt() { f.interrupted.Store(true) }

func (f *fakePlayer) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.played
}

type fakeWatcher struct {
	hits chan string
}

func (f *fakeWatcher) Start() (<-chan string, func()) {
	return f.hits, func() {}
}

func newTestPipeline(gen Generator, syn Synthesizer, player Player, watcher StopWatcher) *Pipeline {
	return New(&Config{
		Generator:   gen,
		Synthesizer: syn,
		Player:      player,
		Watcher:     watcher,
		Log:         zap.NewNop().Sugar(),
	})
}

func wordDeltas(text string) []string {
	words := strings.SplitAfter(text, " ")
	return words
}

func TestSentencesSynthesizedInOrder(t *testing.T) {
	text := "First sentence is here. Second one follows! Third ends now."
	gen := &fakeGenerator{deltas: wordDeltas(text)}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"First sentence is here.",
		"Second one follows!",
		"Third ends now.",
	}
	got := syn.sentences()
	if len(got) != len(want) {
		t.Fatalf("synthesized %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sentence %d = %q, want %q", i, got[i], want[i])
		}
	}
	if player.playCount() != 3 {
		t.Fatalf("played %d chunks, want 3", player.playCount())
	}
	if res.AssistantText != text {
		t.Fatalf("assistant text = %q", res.AssistantText)
	}
	if !res.ContinueConversation || res.Stopped || res.TimeoutExceeded {
		t.Fatalf("unexpected result flags: %+v", res)
	}
}

func TestPlaybackStartsBeforeGenerationEnds(t *testing.T) {
	// Generation is slow enough that the first sentence must reach the
	// speaker while later deltas are still arriving.
	text := "Short first one. Then a much longer second sentence arrives."
	gen := &fakeGenerator{deltas: wordDeltas(text), delay: 20 * time.Millisecond}
	syn := &fakeSynthesizer{}

	var firstPlay atomic.Int64
	player := &fakePlayer{}
	player.onPlay = func(n int) {
		if n == 1 {
			firstPlay.Store(time.Now().UnixNano())
		}
	}

	start := time.Now()
	p := newTestPipeline(gen, syn, player, nil)
	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	total := time.Since(start)

	if firstPlay.Load() == 0 {
		t.Fatal("nothing was played")
	}
	toFirst := time.Unix(0, firstPlay.Load()).Sub(start)
	if toFirst >= total {
		t.Fatalf("first playback at %v, after generation finished at %v", toFirst, total)
	}
}

func TestNonsenseSentinelSplitAcrossDeltas(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"-", "1"}}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ContinueConversation {
		t.Fatal("nonsense input must end the conversation")
	}
	if res.AssistantText != "" {
		t.Fatalf("assistant text = %q, want empty", res.AssistantText)
	}
	if len(syn.sentences()) != 0 {
		t.Fatalf("sentinel must not be synthesized, got %v", syn.sentences())
	}
}

func TestNegativeAnswerIsNotSentinel(t *testing.T) {
	// A response that merely starts with a minus sign must pass through
	// once more text shows it is not the sentinel.
	gen := &fakeGenerator{deltas: []string{"-", "40 degrees is cold."}}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ContinueConversation {
		t.Fatal("conversation ended on a non-sentinel response")
	}
	if res.AssistantText != "-40 degrees is cold." {
		t.Fatalf("assistant text = %q", res.AssistantText)
	}
}

func TestStopPhraseInterruptsTurn(t *testing.T) {
	text := "One sentence here. Two sentences here. Three sentences here. " +
		"Four sentences here. Five sentences here. Six sentences here."
	gen := &fakeGenerator{deltas: wordDeltas(text), delay: 10 * time.Millisecond}
	syn := &fakeSynthesizer{}
	watcher := &fakeWatcher{hits: make(chan string, 1)}

	player := &fakePlayer{delay: 30 * time.Millisecond}
	player.onPlay = func(n int) {
		if n == 1 {
			watcher.hits <- "stop"
		}
	}

	p := newTestPipeline(gen, syn, player, watcher)
	done := make(chan *Result, 1)
	go func() {
		res, err := p.Run(context.Background(), nil)
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if !res.Stopped {
			t.Fatal("result must report the stop")
		}
		if !player.interrupted.Load() {
			t.Fatal("player was not interrupted")
		}
	case <-time.After(QueueTimeout + 2*time.Second):
		t.Fatal("pipeline did not halt after stop phrase")
	}
}

func TestGenerationRetriesAfterEarlyFailure(t *testing.T) {
	gen := &fakeGenerator{deltas: wordDeltas("It works now."), failuresLeft: 2}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.AssistantText != "It works now." {
		t.Fatalf("assistant text = %q", res.AssistantText)
	}
}

func TestGenerationExhaustionFlagsTimeout(t *testing.T) {
	gen := &fakeGenerator{deltas: wordDeltas("Never reached."), failuresLeft: MaxLLMRetries + 1}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimeoutExceeded {
		t.Fatal("exhausted retries must flag the timeout")
	}
	if len(syn.sentences()) != 0 {
		t.Fatalf("nothing should have been synthesized, got %v", syn.sentences())
	}
}

func TestTimestampAnnotationNeverSpoken(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"[March 5, 2026 3:07:09PM] ", "It is seven past three."}}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := syn.sentences()
	if len(got) != 1 || got[0] != "It is seven past three." {
		t.Fatalf("synthesized %v, want the sentence without its timestamp", got)
	}
}

func TestGenerateStreamsTextOnly(t *testing.T) {
	gen := &fakeGenerator{deltas: wordDeltas("A written reply.")}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	var streamed strings.Builder
	p := New(&Config{
		Generator:   gen,
		Synthesizer: syn,
		Player:      player,
		OnDelta:     func(text string) { streamed.WriteString(text) },
		Log:         zap.NewNop().Sugar(),
	})

	reply, err := p.Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "A written reply." {
		t.Fatalf("reply = %q", reply)
	}
	if streamed.String() != "A written reply." {
		t.Fatalf("streamed = %q", streamed.String())
	}
	if len(syn.sentences()) != 0 || player.playCount() != 0 {
		t.Fatal("typed turns must not reach synthesis or playback")
	}
}

func TestLeadingNegativeNumberIsNotNonsense(t *testing.T) {
	// The sentinel must be the whole first token; a reply that merely
	// starts with the same digits is ordinary content.
	gen := &fakeGenerator{deltas: []string{"-1", "5 degrees is cold."}}
	syn := &fakeSynthesizer{}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	res, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ContinueConversation {
		t.Fatal("conversation ended on a non-sentinel response")
	}
	if res.AssistantText != "-15 degrees is cold." {
		t.Fatalf("assistant text = %q", res.AssistantText)
	}
	if got := syn.sentences(); len(got) != 1 || got[0] != "-15 degrees is cold." {
		t.Fatalf("synthesized %v", got)
	}
}

func TestSayRetriesSynthesis(t *testing.T) {
	gen := &fakeGenerator{}
	syn := &fakeSynthesizer{failuresLeft: 1}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	if err := p.Say(context.Background(), "Volume adjusted."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if got := len(syn.sentences()); got != 2 {
		t.Fatalf("synthesis attempts = %d, want 2", got)
	}
	if player.playCount() != 1 {
		t.Fatalf("played %d chunks, want 1", player.playCount())
	}
}

func TestSayStopPhraseInterrupts(t *testing.T) {
	text := "One canned sentence here. Two canned sentences here. " +
		"Three canned sentences here. Four canned sentences here."
	syn := &fakeSynthesizer{}
	watcher := &fakeWatcher{hits: make(chan string, 1)}

	player := &fakePlayer{delay: 30 * time.Millisecond}
	player.onPlay = func(n int) {
		if n == 1 {
			watcher.hits <- "stop"
		}
	}

	p := newTestPipeline(&fakeGenerator{}, syn, player, watcher)
	done := make(chan error, 1)
	go func() {
		done <- p.Say(context.Background(), text)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Say: %v", err)
		}
		if !player.interrupted.Load() {
			t.Fatal("player was not interrupted")
		}
		if player.playCount() == 4 {
			t.Fatal("every sentence played despite the stop phrase")
		}
	case <-time.After(QueueTimeout + 2*time.Second):
		t.Fatal("canned reply did not halt after stop phrase")
	}
}

func TestPlaybackErrorReleasesSynthesizer(t *testing.T) {
	// The synthesizer floods the audio queue past capacity while playback
	// fails on the first chunk; the stop path must drain the queue so the
	// blocked synthesizer finishes instead of timing out.
	gen := &fakeGenerator{deltas: wordDeltas("This one sentence makes far too much audio.")}
	syn := &fakeSynthesizer{chunksPerCall: 2 * QueueCapacity}
	player := &fakePlayer{err: fmt.Errorf("device lost")}

	p := newTestPipeline(gen, syn, player, nil)
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Run(context.Background(), nil)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			t.Fatal("playback failure must surface as an error")
		}
		if out.res.TimeoutExceeded {
			t.Fatal("playback failure must not masquerade as a queue timeout")
		}
	case <-time.After(QueueTimeout - time.Second):
		t.Fatal("pipeline wedged after playback failure")
	}
}

func TestSynthesisRetriesBeforeAudio(t *testing.T) {
	gen := &fakeGenerator{deltas: wordDeltas("Say this out loud.")}
	syn := &fakeSynthesizer{failuresLeft: 1}
	player := &fakePlayer{}

	p := newTestPipeline(gen, syn, player, nil)
	if _, err := p.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if player.playCount() != 1 {
		t.Fatalf("played %d chunks, want 1", player.playCount())
	}
	if got := len(syn.sentences()); got != 2 {
		t.Fatalf("synthesis attempts = %d, want 2", got)
	}
}

func TestSentencePattern(t *testing.T) {
	tests := []struct {
		pending  string
		sentence string // empty means no match
	}{
		{"Hello world. And", "Hello world."},
		{"Pi is about 3.14 roughly speaking. Next", "Pi is about 3.14 roughly speaking."},
		{"Version 2.0. More", ""},
		{"Wait... sure", "Wait."},
		{"Is that so? Yes", "Is that so?"},
		{"One line\nAnd more", "One line\n"},
		{"Not finished yet", ""},
	}
	for _, tt := range tests {
		m := sentencePattern.FindStringSubmatch(tt.pending)
		if tt.sentence == "" {
			if m != nil {
				t.Errorf("pattern matched %q: %q", tt.pending, m[1])
			}
			continue
		}
		if m == nil {
			t.Errorf("pattern did not match %q", tt.pending)
			continue
		}
		if m[1] != tt.sentence {
			t.Errorf("sentence for %q = %q, want %q", tt.pending, m[1], tt.sentence)
		}
	}
}
