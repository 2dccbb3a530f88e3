// Package pipeline turns one user query into spoken output. Three stages run
// concurrently so the first sentence starts playing while the model is still
// generating the rest: generation streams tokens and cuts them into
// sentences, synthesis converts each sentence to audio, and playback feeds
// the speaker. A stop watcher listens for barge-in phrases the whole time.
package pipeline

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/convo"
)

const (
	// QueueCapacity bounds the sentence and audio queues between stages.
	QueueCapacity = 50
	// QueueTimeout is how long a stage waits on a full or empty queue
	// before declaring the turn wedged.
	QueueTimeout = 5 * time.Second
	// MaxLLMRetries is how many times generation is retried after a
	// failure that produced no output.
	MaxLLMRetries = 2
	// MaxTTSRetries is how many times synthesis of one sentence is retried.
	MaxTTSRetries = 2
)

// nonsenseSentinel is what the model is instructed to answer when the
// transcription is gibberish. It can arrive split across stream deltas, so
// generation withholds a leading "-" until the next delta settles it.
const nonsenseSentinel = "-1"

// headVerdict classifies the accumulated head of a response stream against
// the nonsense sentinel. The sentinel must be the whole first token: a reply
// like "-15 degrees is cold." is ordinary content. A head that is still a
// sentinel prefix is unsettled until more text arrives or the stream ends.
func headVerdict(head string) (invalid, settled bool) {
	if head == "" || head == "-" || head == nonsenseSentinel {
		return false, false
	}
	if rest, ok := strings.CutPrefix(head, nonsenseSentinel); ok {
		r, _ := utf8.DecodeRuneInString(rest)
		if unicode.IsSpace(r) {
			return true, true
		}
	}
	return false, true
}

// sentencePattern captures a complete sentence and the remainder. The
// boundary requires at least two non-terminal characters before the
// terminator so decimals and abbreviations do not split mid-number.
var sentencePattern = regexp.MustCompile(`(?s)(^.*[^\s.\d]{2,}[.?!\n])(.+)`)

var (
	errStopped      = errors.New("stop requested")
	errTimeout      = errors.New("queue timeout")
	errInvalidInput = errors.New("model judged the input nonsense")
)

// Generator streams model output token by token.
type Generator interface {
	Stream(ctx context.Context, messages []convo.Message, onDelta func(string) error) error
}

// Synthesizer converts one sentence to a stream of audio chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan audio.Chunk, <-chan error)
}

// Player plays one chunk, blocking until done or interrupted.
type Player interface {
	Play(chunk audio.Chunk) error
	Interrupt()
}

// StopWatcher watches the microphone for barge-in phrases. Start returns a
// channel delivering each detected phrase and a function ending the watch.
type StopWatcher interface {
	Start() (hits <-chan string, stop func())
}

// Config wires a pipeline together.
type Config struct {
	Generator   Generator
	Synthesizer Synthesizer
	Player      Player
	Watcher     StopWatcher       // optional
	OnDelta     func(text string) // optional, observes streamed text
	Log         *zap.SugaredLogger
}

// Result reports how a turn ended.
type Result struct {
	// AssistantText is the full generated response, empty when the model
	// judged the input nonsense.
	AssistantText string
	// TimeoutExceeded is set when a stage starved or wedged for longer
	// than QueueTimeout.
	TimeoutExceeded bool
	// Stopped is set when a stop phrase interrupted playback.
	Stopped bool
	// ContinueConversation is false when the model judged the input
	// nonsense and the assistant should go back to sleep.
	ContinueConversation bool
}

// Pipeline runs turns. It holds no per-turn state and can be reused.
type Pipeline struct {
	gen     Generator
	syn     Synthesizer
	player  Player
	watcher StopWatcher
	onDelta func(string)
	log     *zap.SugaredLogger
}

func New(cfg *Config) *Pipeline {
	return &Pipeline{
		gen:     cfg.Generator,
		syn:     cfg.Synthesizer,
		player:  cfg.Player,
		watcher: cfg.Watcher,
		onDelta: cfg.OnDelta,
		log:     cfg.Log,
	}
}

// Run executes one turn against the given conversation context. It blocks
// until the response has been fully spoken, interrupted, or abandoned.
func (p *Pipeline) Run(ctx context.Context, messages []convo.Message) (*Result, error) {
	return p.runStages(ctx, func(ctx context.Context, st *state, textQueue chan<- string) (string, error) {
		return p.generate(ctx, st, messages, textQueue)
	})
}

// runStages drives the synthesis and playback stages plus the stop watcher
// for one turn. The produce function is the turn's text source: model
// generation for spoken turns, the literal text for canned replies.
func (p *Pipeline) runStages(ctx context.Context, produce func(ctx context.Context, st *state, textQueue chan<- string) (string, error)) (*Result, error) {
	st := newState()
	textQueue := make(chan string, QueueCapacity)
	audioQueue := make(chan audio.Chunk, QueueCapacity)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p.watcher != nil {
		hits, stopWatch := p.watcher.Start()
		defer stopWatch()
		go func() {
			for phrase := range hits {
				p.log.Infow("stop phrase detected", "phrase", phrase)
				st.bargeIn.Store(true)
				st.stopRequested.Store(true)
				p.player.Interrupt()
				cancel()
				return
			}
		}()
	}

	var wg sync.WaitGroup
	var synthErr, playErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(audioQueue)
		synthErr = p.synthesize(ctx, st, textQueue, audioQueue)
	}()
	go func() {
		defer wg.Done()
		playErr = p.play(ctx, st, audioQueue)
	}()

	text, genErr := produce(ctx, st, textQueue)
	close(textQueue)
	wg.Wait()

	p.log.Debugw("turn finished",
		"first_token", st.firstDeltaLatency(),
		"first_audio", st.firstAudioLatency(),
	)

	res := &Result{
		AssistantText:        text,
		TimeoutExceeded:      st.timeoutExceeded.Load(),
		Stopped:              st.bargeIn.Load(),
		ContinueConversation: !st.invalidInput.Load(),
	}
	if st.invalidInput.Load() {
		res.AssistantText = ""
		return res, nil
	}
	for _, err := range []error{genErr, synthErr, playErr} {
		if err != nil && !isExpectedExit(err) {
			return res, err
		}
	}
	return res, nil
}

// isExpectedExit filters the errors stages use to unwind on stop, timeout,
// or cancellation; those outcomes are reported through Result flags instead.
func isExpectedExit(err error) bool {
	return errors.Is(err, errStopped) ||
		errors.Is(err, errTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// drainQueue discards queued items until the producer closes the channel, so
// a stage that exits early never leaves its upstream blocked on a full queue.
func drainQueue[T any](queue <-chan T) {
	for range queue {
	}
}

// Generate streams a model reply without speaking it, used for turns typed
// into the chat mirror. Deltas still reach the OnDelta observer; the
// nonsense sentinel yields an empty reply.
func (p *Pipeline) Generate(ctx context.Context, messages []convo.Message) (string, error) {
	var full strings.Builder
	pending := ""
	sentinelChecked := false

	err := p.gen.Stream(ctx, messages, func(delta string) error {
		full.WriteString(delta)
		pending += delta
		if !sentinelChecked {
			invalid, settled := headVerdict(strings.TrimSpace(pending))
			if invalid {
				return errInvalidInput
			}
			if !settled {
				return nil
			}
			sentinelChecked = true
			if p.onDelta != nil {
				p.onDelta(pending)
			}
			return nil
		}
		if p.onDelta != nil {
			p.onDelta(delta)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errInvalidInput) {
			return "", nil
		}
		return "", err
	}
	reply := strings.TrimSpace(full.String())
	if reply == nonsenseSentinel {
		return "", nil
	}
	if !sentinelChecked && p.onDelta != nil && pending != "" {
		p.onDelta(pending)
	}
	return reply, nil
}

// Say speaks one fixed piece of text that bypasses the model. The text runs
// through the same synthesis and playback stages as a generated response, so
// canned replies get the stop watcher and the per-sentence retry policy too.
func (p *Pipeline) Say(ctx context.Context, text string) error {
	_, err := p.runStages(ctx, func(ctx context.Context, st *state, textQueue chan<- string) (string, error) {
		pending := text
		for {
			m := sentencePattern.FindStringSubmatch(pending)
			if m == nil {
				break
			}
			if _, err := p.pushSentence(ctx, st, m[1], textQueue); err != nil {
				return text, err
			}
			pending = m[2]
		}
		if _, err := p.pushSentence(ctx, st, pending, textQueue); err != nil {
			return text, err
		}
		return text, nil
	})
	return err
}

// generate streams the model response, cutting it into sentences pushed to
// textQueue. Returns the full response text. Generation is retried only when
// nothing has been emitted yet; sentences already queued cannot be unsaid.
func (p *Pipeline) generate(ctx context.Context, st *state, messages []convo.Message, textQueue chan<- string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxLLMRetries; attempt++ {
		if attempt > 0 {
			p.log.Warnw("retrying generation", "attempt", attempt, "error", lastErr)
		}
		text, emitted, err := p.streamOnce(ctx, st, messages, textQueue)
		if err == nil {
			return text, nil
		}
		if isExpectedExit(err) || errors.Is(err, errInvalidInput) || emitted > 0 {
			return text, err
		}
		lastErr = err
	}
	st.timeoutExceeded.Store(true)
	p.log.Warnw("generation abandoned", "error", lastErr)
	return "", errTimeout
}

func (p *Pipeline) streamOnce(ctx context.Context, st *state, messages []convo.Message, textQueue chan<- string) (string, int, error) {
	var full strings.Builder
	pending := ""
	sentinelChecked := false
	emitted := 0

	emit := func(sentence string) error {
		pushed, err := p.pushSentence(ctx, st, sentence, textQueue)
		if pushed {
			emitted++
		}
		return err
	}

	err := p.gen.Stream(ctx, messages, func(delta string) error {
		if st.stopRequested.Load() {
			return errStopped
		}
		st.markFirstDelta()
		full.WriteString(delta)
		pending += delta

		if !sentinelChecked {
			invalid, settled := headVerdict(strings.TrimSpace(pending))
			if invalid {
				st.invalidInput.Store(true)
				return errInvalidInput
			}
			if !settled {
				return nil // not enough to judge yet
			}
			sentinelChecked = true
			if p.onDelta != nil {
				p.onDelta(pending)
			}
		} else if p.onDelta != nil {
			p.onDelta(delta)
		}

		for {
			m := sentencePattern.FindStringSubmatch(pending)
			if m == nil {
				break
			}
			if err := emit(m[1]); err != nil {
				return err
			}
			pending = m[2]
		}
		return nil
	})
	if err != nil {
		return full.String(), emitted, err
	}
	if !sentinelChecked {
		// The stream ended while the head was still a sentinel prefix.
		if strings.TrimSpace(pending) == nonsenseSentinel {
			st.invalidInput.Store(true)
			return full.String(), emitted, errInvalidInput
		}
		if p.onDelta != nil && pending != "" {
			p.onDelta(pending)
		}
	}
	if err := emit(pending); err != nil {
		return full.String(), emitted, err
	}
	return strings.TrimSpace(full.String()), emitted, nil
}

// pushSentence queues one cleaned sentence for synthesis, reporting whether
// anything was actually queued. Timestamp annotations the model sometimes
// mimics from user messages are stripped so they are never read aloud.
func (p *Pipeline) pushSentence(ctx context.Context, st *state, sentence string, textQueue chan<- string) (bool, error) {
	sentence = strings.TrimSpace(convo.StripTimestamp(strings.TrimSpace(sentence)))
	if sentence == "" {
		return false, nil
	}
	if st.stopRequested.Load() {
		return false, errStopped
	}
	select {
	case textQueue <- sentence:
		return true, nil
	case <-time.After(QueueTimeout):
		st.timeoutExceeded.Store(true)
		return false, errTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// synthesize converts queued sentences to audio. A sentence whose synthesis
// fails before producing any audio is retried; one that fails mid-stream is
// abandoned so playback never repeats audio. Whatever ends the stage, the
// inbound queue is drained so the producer is never left blocked.
func (p *Pipeline) synthesize(ctx context.Context, st *state, textQueue <-chan string, audioQueue chan<- audio.Chunk) error {
	defer drainQueue(textQueue)
	for {
		select {
		case sentence, ok := <-textQueue:
			if !ok {
				return nil
			}
			if st.stopRequested.Load() {
				return errStopped
			}
			if err := p.synthesizeSentence(ctx, st, sentence, audioQueue); err != nil {
				if isExpectedExit(err) {
					return err
				}
				p.log.Warnw("sentence synthesis abandoned", "error", err)
			}
		case <-time.After(QueueTimeout):
			st.timeoutExceeded.Store(true)
			return errTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) synthesizeSentence(ctx context.Context, st *state, sentence string, audioQueue chan<- audio.Chunk) error {
	var lastErr error
	for attempt := 0; attempt <= MaxTTSRetries; attempt++ {
		if attempt > 0 {
			p.log.Warnw("retrying synthesis", "attempt", attempt, "error", lastErr)
		}
		chunks, errc := p.syn.Synthesize(ctx, sentence)
		forwarded := 0
		for chunk := range chunks {
			select {
			case audioQueue <- chunk:
				forwarded++
			case <-time.After(QueueTimeout):
				st.timeoutExceeded.Store(true)
				return errTimeout
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := <-errc
		if err == nil {
			return nil
		}
		if isExpectedExit(err) || forwarded > 0 {
			return err
		}
		lastErr = err
	}
	st.timeoutExceeded.Store(true)
	return errTimeout
}

// play feeds chunks to the speaker in order. When playback ends, for any
// reason, stopRequested is raised so upstream stages and the watcher cannot
// outlive it, and the remaining audio is drained and discarded so a blocked
// synthesizer is released rather than timing out.
func (p *Pipeline) play(ctx context.Context, st *state, audioQueue <-chan audio.Chunk) error {
	defer drainQueue(audioQueue)
	defer st.stopRequested.Store(true)
	for {
		if st.stopRequested.Load() {
			return errStopped
		}
		select {
		case chunk, ok := <-audioQueue:
			if !ok {
				return nil
			}
			st.markFirstAudio()
			if err := p.player.Play(chunk); err != nil {
				return err
			}
		case <-time.After(QueueTimeout):
			st.timeoutExceeded.Store(true)
			return errTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
