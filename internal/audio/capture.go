// Package audio provides microphone capture and speaker playback using malgo.
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

// Ring buffer configuration constants.
const (
	// ringBufferSize is the number of sample chunks the ring buffer can hold.
	// At 16kHz with 32ms chunks (512 samples), this provides ~4 seconds of buffer.
	ringBufferSize = 128

	// maxSamplesPerChunk is the maximum samples per audio callback chunk.
	// This limit prevents excessive memory allocation in the audio callback path.
	maxSamplesPerChunk = 2048

	// CaptureRate is the sample rate all capture consumers receive.
	// The voice activity detector and the phrase spotter both operate at 16kHz.
	CaptureRate = 16000
)

// SampleSink receives resampled microphone audio.
type SampleSink func(samples []float32)

// audioChunk represents a chunk of audio samples in the ring buffer.
type audioChunk struct {
	samples []float32
	len     int
}

// ringBuffer is a lock-free single-producer single-consumer ring buffer for audio.
// Uses atomic operations for thread-safe access without mutex locks.
type ringBuffer struct {
	chunks    [ringBufferSize]audioChunk
	head      atomic.Uint64
	tail      atomic.Uint64
	dropCount atomic.Uint64
}

// newRingBuffer creates a new ring buffer with pre-allocated chunks.
func newRingBuffer() *ringBuffer {
	rb := &ringBuffer{}
	for i := range rb.chunks {
		rb.chunks[i].samples = make([]float32, maxSamplesPerChunk)
	}
	return rb
}

// push adds samples to the ring buffer.
// Returns false if buffer is full, causing samples to be dropped.
func (rb *ringBuffer) push(samples []float32) bool {
	head := rb.head.Load()
	tail := rb.tail.Load()

	if head-tail >= ringBufferSize {
		count := rb.dropCount.Add(1)
		if count%100 == 0 {
			logging.Sugar().Warnf("audio ring buffer full, dropped %d chunks", count)
		}
		return false
	}

	slot := &rb.chunks[head%ringBufferSize]
	n := copy(slot.samples, samples)
	slot.len = n

	rb.head.Add(1)
	return true
}

// pop retrieves samples from the ring buffer.
// Returns nil if buffer is empty.
func (rb *ringBuffer) pop() []float32 {
	head := rb.head.Load()
	tail := rb.tail.Load()

	if head == tail {
		return nil
	}

	slot := &rb.chunks[tail%ringBufferSize]
	samples := slot.samples[:slot.len]

	rb.tail.Add(1)
	return samples
}

// Capturer handles microphone audio capture with backpressure support.
// A lock-free ring buffer keeps the audio callback from blocking, and the
// sink is swappable at runtime so the recorder and the phrase spotters can
// take turns consuming the single microphone stream.
type Capturer struct {
	ctx              *malgo.AllocatedContext
	device           *malgo.Device
	sampleRate       uint32 // Target rate delivered to sinks (CaptureRate)
	deviceSampleRate uint32 // Actual device sample rate
	sink             atomic.Pointer[SampleSink]
	running          atomic.Bool
	ringBuf          *ringBuffer
	stopChan         chan struct{}
	wg               sync.WaitGroup
	resampler        *PolyphaseResampler
}

// NewCapturer creates a new audio capturer delivering 16kHz mono samples.
func NewCapturer() (*Capturer, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	return &Capturer{
		ctx:        ctx,
		sampleRate: CaptureRate,
		ringBuf:    newRingBuffer(),
		stopChan:   make(chan struct{}),
	}, nil
}

// SetSink installs the consumer for captured samples. Passing nil detaches
// the current consumer; samples are then discarded.
func (c *Capturer) SetSink(sink SampleSink) {
	if sink == nil {
		c.sink.Store(nil)
		return
	}
	c.sink.Store(&sink)
}

// Start begins audio capture from the default microphone.
// Audio is buffered in a ring buffer and processed by a dedicated goroutine
// to avoid blocking the audio callback.
func (c *Capturer) Start() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1

	deviceConfig.SampleRate = c.sampleRate
	deviceConfig.PeriodSizeInMilliseconds = 32 // Low latency: 32ms chunks

	// Query actual device sample rate (may differ from requested)
	tempDevice, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{})
	if err != nil {
		return fmt.Errorf("failed to query capture device: %w", err)
	}
	c.deviceSampleRate = tempDevice.SampleRate()
	tempDevice.Uninit()

	if c.deviceSampleRate != c.sampleRate {
		if c.deviceSampleRate > c.sampleRate {
			// Downsampling: use polyphase filter to prevent aliasing
			c.resampler = NewPolyphaseResampler(int(c.deviceSampleRate), int(c.sampleRate))
			logging.Sugar().Infof("audio resampling: %d Hz -> %d Hz (polyphase anti-aliasing)", c.deviceSampleRate, c.sampleRate)
		} else {
			logging.Sugar().Infof("audio resampling: %d Hz -> %d Hz (linear interpolation)", c.deviceSampleRate, c.sampleRate)
		}
	}

	// Audio callback - runs in audio thread, must be fast and non-blocking
	onRecvFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		if !c.running.Load() {
			return
		}

		pooledSamples := bytesToFloat32(pInputSamples)
		if len(pooledSamples) > 0 {
			c.ringBuf.push(pooledSamples)
		}
		returnFloat32Buffer(pooledSamples)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: onRecvFrames,
	}

	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	c.device = device
	c.running.Store(true)

	c.wg.Add(1)
	go c.processLoop()

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	return nil
}

// processLoop drains the ring buffer and forwards samples to the sink.
// This runs in a dedicated goroutine, separate from the audio callback.
func (c *Capturer) processLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		default:
			samples := c.ringBuf.pop()
			sink := c.sink.Load()
			if samples != nil && sink != nil && c.running.Load() {
				// Make a copy since the ring buffer slot will be reused
				samplesCopy := make([]float32, len(samples))
				copy(samplesCopy, samples)

				if c.resampler != nil {
					samplesCopy = c.resampler.Resample(samplesCopy)
				} else if c.deviceSampleRate != c.sampleRate {
					samplesCopy = ResampleInPlace(samplesCopy, int(c.deviceSampleRate), int(c.sampleRate))
				}

				(*sink)(samplesCopy)
			} else {
				// No samples or no sink, sleep briefly to avoid busy-spinning
				select {
				case <-c.stopChan:
					return
				case <-time.After(100 * time.Microsecond):
				}
			}
		}
	}
}

// Stop halts audio capture.
func (c *Capturer) Stop() {
	c.running.Store(false)

	select {
	case <-c.stopChan:
		// Already closed
	default:
		close(c.stopChan)
	}

	c.wg.Wait()

	if c.device != nil {
		c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
}

// Pause temporarily halts audio capture (for half-duplex mode).
func (c *Capturer) Pause() {
	c.running.Store(false)
}

// Resume restarts audio capture after pause (for half-duplex mode).
func (c *Capturer) Resume() {
	c.running.Store(true)
}

// Close releases all audio resources.
func (c *Capturer) Close() {
	c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// float32Pool reduces allocations in the audio callback hot path.
var float32Pool = sync.Pool{
	New: func() interface{} {
		// Pre-allocate for 32ms at 48kHz (1536 samples) with headroom
		buf := make([]float32, 2048)
		return &buf
	},
}

// bytesToFloat32 converts raw bytes to float32 samples.
// The returned slice is only valid until the next call - caller must copy if needed.
func bytesToFloat32(data []byte) []float32 {
	numSamples := len(data) / 4
	pBuf := float32Pool.Get().(*[]float32)

	if cap(*pBuf) < numSamples {
		*pBuf = make([]float32, numSamples)
	}
	samples := (*pBuf)[:numSamples]

	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples
}

// returnFloat32Buffer returns a buffer to the pool.
// Must be called after the samples from bytesToFloat32 are no longer needed.
func returnFloat32Buffer(samples []float32) {
	if samples == nil {
		return
	}
	buf := samples[:cap(samples)]
	float32Pool.Put(&buf)
}
