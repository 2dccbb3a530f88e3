// Speaker playback with interrupt support.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/agriffith/parley/internal/logging"
)

// Playback ring buffer configuration.
const (
	// playbackRingSize is the number of samples the ring buffer can hold.
	// Size: 524288 samples = ~11 seconds at 48kHz, ~22 seconds at 24kHz.
	// Large enough to buffer long synthesized responses without overflow.
	playbackRingSize = 524288
)

// Chunk holds synthesized audio samples with their sample rate.
type Chunk struct {
	Samples    []float32 // Audio sample data (mono, floating point)
	SampleRate int       // Sample rate in Hz (e.g., 24000 for synthesis output)
}

// playbackRing is a lock-free single-producer single-consumer ring buffer for audio playback.
type playbackRing struct {
	samples [playbackRingSize]float32
	head    atomic.Uint64
	tail    atomic.Uint64
}

// push adds samples to the ring buffer. Returns number of samples written.
func (rb *playbackRing) push(samples []float32) int {
	head := rb.head.Load()
	tail := rb.tail.Load()

	available := playbackRingSize - int(head-tail)
	toWrite := len(samples)
	if toWrite > available {
		toWrite = available
	}

	for i := 0; i < toWrite; i++ {
		rb.samples[(head+uint64(i))%playbackRingSize] = samples[i]
	}

	rb.head.Add(uint64(toWrite))
	return toWrite
}

// pop retrieves a sample from the ring buffer. Returns 0.0 if empty.
func (rb *playbackRing) pop() (float32, bool) {
	head := rb.head.Load()
	tail := rb.tail.Load()

	if head == tail {
		return 0.0, false
	}

	sample := rb.samples[tail%playbackRingSize]
	rb.tail.Add(1)
	return sample, true
}

// isEmpty returns true if the ring buffer is empty.
func (rb *playbackRing) isEmpty() bool {
	return rb.head.Load() == rb.tail.Load()
}

// clear resets the ring buffer.
func (rb *playbackRing) clear() {
	rb.tail.Store(rb.head.Load())
}

// Player handles audio playback with a persistent device and lock-free ring
// buffer. Playback volume is adjustable at runtime (the "set volume to N"
// voice command) and an external interrupt flag supports barge-in.
type Player struct {
	ctx              *malgo.AllocatedContext
	device           *malgo.Device
	deviceSampleRate uint32
	bufferMs         uint32
	interrupt        *atomic.Bool // Internal interrupt flag
	externalIntr     *atomic.Bool // External interrupt flag (stop word detected)
	playing          atomic.Bool
	volumeBits       atomic.Uint64 // Volume fraction as float64 bits
	ring             *playbackRing
	mu               sync.Mutex // Protects ring buffer writes (not callback)
	completeChan     chan struct{}
}

// NewPlayer creates a new audio player with a persistent playback device.
// bufferMs: audio buffer size in milliseconds (20ms for wired, 100ms for
// Bluetooth, 0 for the 100ms default). volume is the initial fraction in [0,1].
func NewPlayer(bufferMs uint32, volume float64, externalInterrupt *atomic.Bool) (*Player, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	if bufferMs == 0 {
		bufferMs = 100
	}

	deviceSampleRate := getDeviceNativeSampleRate()
	logging.Sugar().Infof("audio device sample rate: %d Hz, buffer: %d ms", deviceSampleRate, bufferMs)

	p := &Player{
		ctx:              ctx,
		deviceSampleRate: deviceSampleRate,
		bufferMs:         bufferMs,
		externalIntr:     externalInterrupt,
		interrupt:        &atomic.Bool{},
		ring:             &playbackRing{},
		completeChan:     make(chan struct{}, 1), // Buffered to prevent blocking
	}
	p.SetVolume(volume)

	if err := p.initDevice(); err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, err
	}

	return p, nil
}

// SetVolume sets the playback volume as a fraction in [0,1].
func (p *Player) SetVolume(fraction float64) {
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}
	p.volumeBits.Store(math.Float64bits(fraction))
}

// Volume returns the current playback volume fraction.
func (p *Player) Volume() float64 {
	return math.Float64frombits(p.volumeBits.Load())
}

// initDevice initializes and starts the persistent playback device.
func (p *Player) initDevice() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = p.deviceSampleRate
	deviceConfig.PeriodSizeInMilliseconds = p.bufferMs

	// Lock-free audio callback
	onSendFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		interrupted := p.interrupt.Load() || (p.externalIntr != nil && p.externalIntr.Load())
		volume := float32(p.Volume())

		for i := 0; i < int(framecount); i++ {
			var sample float32
			if !interrupted {
				if s, ok := p.ring.pop(); ok {
					sample = s * volume
				}
			}
			binary.LittleEndian.PutUint32(pOutputSample[i*4:], math.Float32bits(sample))
		}

		// Mark playback as done if buffer is empty or interrupted
		if p.ring.isEmpty() || interrupted {
			p.playing.Store(false)
			select {
			case p.completeChan <- struct{}{}:
			default:
				// Channel already has a signal
			}
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: onSendFrames,
	}

	device, err := malgo.InitDevice(p.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	p.device = device

	// Start the device immediately (it will output silence until samples are queued)
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start playback device: %w", err)
	}

	return nil
}

// getDeviceNativeSampleRate queries the device's preferred sample rate.
// Falls back to 48000 Hz if unable to determine.
func getDeviceNativeSampleRate() uint32 {
	defaultConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	if defaultConfig.SampleRate > 0 {
		return defaultConfig.SampleRate
	}
	return 48000
}

// Play plays the audio chunk, blocking until complete or interrupted.
func (p *Player) Play(chunk Chunk) error {
	playbackSamples := chunk.Samples
	if chunk.SampleRate != int(p.deviceSampleRate) {
		playbackSamples = ResampleInPlace(chunk.Samples, chunk.SampleRate, int(p.deviceSampleRate))
	}

	// Reset interrupt flag
	p.interrupt.Store(false)

	p.mu.Lock()
	written := p.ring.push(playbackSamples)
	if written < len(playbackSamples) {
		logging.Sugar().Warnf("playback buffer overflow, dropped %d samples", len(playbackSamples)-written)
	}
	p.mu.Unlock()

	p.playing.Store(true)

	// Wait for playback to complete or be interrupted
	timeout := time.Duration(len(playbackSamples)/int(p.deviceSampleRate)+2) * time.Second
	deadline := time.Now().Add(timeout)

	for p.playing.Load() {
		if p.interrupt.Load() || (p.externalIntr != nil && p.externalIntr.Load()) {
			p.ring.clear()
			p.playing.Store(false)
			return nil
		}
		if time.Now().After(deadline) {
			logging.Sugar().Warn("playback timeout exceeded")
			p.ring.clear()
			p.playing.Store(false)
			return nil
		}

		select {
		case <-p.completeChan:
			// Playback completed normally
		case <-time.After(50 * time.Millisecond):
			// Timeout to periodically check interrupt flags
		}
	}

	return nil
}

// Interrupt stops current playback.
func (p *Player) Interrupt() {
	p.interrupt.Store(true)
	p.ring.clear()
	p.playing.Store(false)
	select {
	case p.completeChan <- struct{}{}:
	default:
		// Channel already has a signal
	}
}

// Close releases all resources.
func (p *Player) Close() {
	p.Interrupt()
	if p.device != nil {
		p.device.Stop()
		p.device.Uninit()
		p.device = nil
	}
	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}
}
