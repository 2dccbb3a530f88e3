// Package session drives the assistant's top-level turn loop: asleep until a
// wake word, then listening turn by turn until the conversation ends.
package session

import (
	"context"
	"os"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/agriffith/parley/internal/audio"
	"github.com/agriffith/parley/internal/config"
	"github.com/agriffith/parley/internal/convo"
	"github.com/agriffith/parley/internal/pipeline"
	"github.com/agriffith/parley/internal/preprocess"
	"github.com/agriffith/parley/internal/recorder"
)

const (
	StateAsleep    = "asleep"
	StateListening = "listening"

	eventWake  = "wake"
	eventSleep = "sleep"

	// MaxSTTRetries is how many times a failed transcription is retried
	// before the turn is abandoned.
	MaxSTTRetries = 2

	// settlePause lets the room quiet down between a response and the
	// next recording so the assistant does not hear its own tail.
	settlePause = 500 * time.Millisecond
)

// UtteranceRecorder captures one utterance from the microphone.
type UtteranceRecorder interface {
	Record(ctx context.Context) (*recorder.Utterance, bool, error)
}

// Transcriber converts a recorded utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Responder runs the response pipeline for one turn, speaks canned replies
// directly, and generates text-only replies for typed messages.
type Responder interface {
	Run(ctx context.Context, messages []convo.Message) (*pipeline.Result, error)
	Say(ctx context.Context, text string) error
	Generate(ctx context.Context, messages []convo.Message) (string, error)
}

// WakeWatch is one active wake-word watch.
type WakeWatch interface {
	Sink() audio.SampleSink
	Hits() <-chan string
	Stop()
}

// WakeSpotter begins wake-word watches.
type WakeSpotter interface {
	Start(phrases []string) WakeWatch
}

// CaptureSource is the microphone stream whose sink the controller swaps
// between the wake watcher and the recorder.
type CaptureSource interface {
	SetSink(audio.SampleSink)
}

// Speaker plays raw chunks and exposes the volume control that the "set
// volume" voice command adjusts.
type Speaker interface {
	Play(chunk audio.Chunk) error
	SetVolume(fraction float64)
}

// Notifier observes conversation activity, used by the chat mirror. All
// methods must be non-blocking.
type Notifier interface {
	UserMessage(text string)
	AssistantMessage(text string)
	StateChanged(state string)
}

// Config wires a Controller together.
type Config struct {
	Persona     *config.Persona
	Store       *convo.Store
	Recorder    UtteranceRecorder
	Transcriber Transcriber
	Responder   Responder
	Spotter     WakeSpotter
	Capture     CaptureSource
	Speaker     Speaker
	Notifier    Notifier // optional
	Log         *zap.SugaredLogger
}

// Controller owns the asleep/listening state machine.
type Controller struct {
	persona     *config.Persona
	store       *convo.Store
	recorder    UtteranceRecorder
	transcriber Transcriber
	responder   Responder
	spotter     WakeSpotter
	capture     CaptureSource
	speaker     Speaker
	notifier    Notifier
	log         *zap.SugaredLogger

	machine   *fsm.FSM
	typed     chan string
	wakeSound audio.Chunk
	hasSound  bool
}

// NewController builds the controller and preloads the persona's startup
// sound if one is configured.
func NewController(cfg *Config) *Controller {
	c := &Controller{
		persona:     cfg.Persona,
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		transcriber: cfg.Transcriber,
		responder:   cfg.Responder,
		spotter:     cfg.Spotter,
		capture:     cfg.Capture,
		speaker:     cfg.Speaker,
		notifier:    cfg.Notifier,
		log:         cfg.Log,
		typed:       make(chan string, 8),
	}

	c.machine = fsm.NewFSM(
		StateAsleep,
		fsm.Events{
			{Name: eventWake, Src: []string{StateAsleep}, Dst: StateListening},
			{Name: eventSleep, Src: []string{StateListening}, Dst: StateAsleep},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Infow("state changed", "state", e.Dst)
				if c.notifier != nil {
					c.notifier.StateChanged(e.Dst)
				}
			},
		},
	)

	if cfg.Persona.StartupSound != "" {
		chunk, err := audio.LoadWAV(cfg.Persona.StartupSound)
		if err != nil {
			c.log.Warnw("startup sound unavailable", "path", cfg.Persona.StartupSound, "error", err)
		} else {
			c.wakeSound = chunk
			c.hasSound = true
		}
	}

	return c
}

// SetNotifier attaches the conversation observer. Call before Run; the chat
// mirror is built after the controller because it submits messages into it.
func (c *Controller) SetNotifier(n Notifier) {
	c.notifier = n
}

// Submit queues a typed message from the chat mirror. It is processed as a
// regular turn the next time the controller is between recordings.
func (c *Controller) Submit(text string) {
	select {
	case c.typed <- text:
	default:
		c.log.Warn("typed message dropped, queue full")
	}
}

// Run drives the state machine until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Infow("assistant ready", "persona", c.persona.Name, "wake_words", c.persona.WakeWords)
	for ctx.Err() == nil {
		switch c.machine.Current() {
		case StateAsleep:
			c.sleep(ctx)
		case StateListening:
			c.listen(ctx)
		}
	}
	return ctx.Err()
}

// sleep waits for a wake word, handling typed messages without waking.
func (c *Controller) sleep(ctx context.Context) {
	watch := c.spotter.Start(c.persona.WakeWords)
	c.capture.SetSink(watch.Sink())
	defer func() {
		c.capture.SetSink(nil)
		watch.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.typed:
			c.runTypedTurn(ctx, text)
		case phrase, ok := <-watch.Hits():
			if !ok {
				return
			}
			c.log.Infow("wake word heard", "phrase", phrase)
			if c.hasSound {
				if err := c.speaker.Play(c.wakeSound); err != nil {
					c.log.Warnw("startup sound failed", "error", err)
				}
			}
			_ = c.machine.Event(ctx, eventWake)
			return
		}
	}
}

// listen runs one listening turn: record, transcribe, classify, respond.
func (c *Controller) listen(ctx context.Context) {
	select {
	case text := <-c.typed:
		c.runTypedTurn(ctx, text)
		return
	default:
	}

	utt, voiced, err := c.recorder.Record(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Errorw("recording failed", "error", err)
		_ = c.machine.Event(ctx, eventSleep)
		return
	}
	if !voiced {
		c.log.Info("no speech heard, going back to sleep")
		_ = c.machine.Event(ctx, eventSleep)
		return
	}

	text, err := c.transcribe(ctx, utt.Path)
	os.Remove(utt.Path)
	if err != nil {
		c.log.Errorw("transcription failed, going back to sleep", "error", err)
		_ = c.machine.Event(ctx, eventSleep)
		return
	}
	c.log.Infow("heard", "text", text)

	res := preprocess.Classify(text, time.Now())
	switch res.Action {
	case preprocess.Drop:
		c.log.Infow("utterance dropped", "text", text)
		_ = c.machine.Event(ctx, eventSleep)
		return
	case preprocess.VolumeAdjust:
		c.speaker.SetVolume(res.Volume)
		if err := c.responder.Say(ctx, "Volume adjusted."); err != nil {
			c.log.Warnw("confirmation failed", "error", err)
		}
	case preprocess.Replace:
		if c.notifier != nil {
			c.notifier.UserMessage(text)
			c.notifier.AssistantMessage(res.Payload)
		}
		if err := c.responder.Say(ctx, res.Payload); err != nil {
			c.log.Warnw("local reply failed", "error", err)
		}
	case preprocess.Continue:
		c.runTurn(ctx, res.Payload)
	}

	c.settle(ctx)
}

// runTurn sends one user query through the model and speaks the response.
func (c *Controller) runTurn(ctx context.Context, query string) {
	if c.notifier != nil {
		c.notifier.UserMessage(query)
	}
	c.store.Append(convo.RoleUser, convo.AddTimestamp(query, time.Now()))
	c.store.MakeRoom()

	res, err := c.responder.Run(ctx, c.store.EffectiveContext())
	if err != nil {
		c.log.Errorw("response pipeline failed", "error", err)
		_ = c.machine.Event(ctx, eventSleep)
		return
	}
	if res.AssistantText != "" {
		c.store.Append(convo.RoleAssistant, res.AssistantText)
	}
	if !res.ContinueConversation {
		c.log.Info("input judged nonsense, going back to sleep")
		if err := c.responder.Say(ctx, "Sorry, I didn't catch that."); err != nil {
			c.log.Warnw("indication failed", "error", err)
		}
		_ = c.machine.Event(ctx, eventSleep)
		return
	}
	if res.TimeoutExceeded {
		c.log.Warn("turn timed out, going back to sleep")
		_ = c.machine.Event(ctx, eventSleep)
		return
	}
	if res.Stopped {
		c.log.Info("response interrupted, still listening")
	}
}

// runTypedTurn handles a chat-mirror message. It goes through the same
// classification and conversation path as speech but stays silent: the reply
// is streamed back to the page, never to the speaker.
func (c *Controller) runTypedTurn(ctx context.Context, text string) {
	res := preprocess.Classify(text, time.Now())
	switch res.Action {
	case preprocess.Drop:
		return
	case preprocess.VolumeAdjust:
		c.speaker.SetVolume(res.Volume)
	case preprocess.Replace:
		if c.notifier != nil {
			c.notifier.UserMessage(text)
			c.notifier.AssistantMessage(res.Payload)
		}
	case preprocess.Continue:
		if c.notifier != nil {
			c.notifier.UserMessage(res.Payload)
		}
		c.store.Append(convo.RoleUser, convo.AddTimestamp(res.Payload, time.Now()))
		c.store.MakeRoom()
		reply, err := c.responder.Generate(ctx, c.store.EffectiveContext())
		if err != nil {
			c.log.Errorw("typed turn failed", "error", err)
			return
		}
		if reply != "" {
			c.store.Append(convo.RoleAssistant, reply)
		}
	}
}

func (c *Controller) transcribe(ctx context.Context, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxSTTRetries; attempt++ {
		if attempt > 0 {
			c.log.Warnw("retrying transcription", "attempt", attempt, "error", lastErr)
		}
		text, err := c.transcriber.Transcribe(ctx, path)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Controller) settle(ctx context.Context) {
	select {
	case <-time.After(settlePause):
	case <-ctx.Done():
	}
}
