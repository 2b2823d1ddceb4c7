// Package audio defines the capture and render device boundaries and the
// PCM conversions used between them and the wire.
package audio

import (
	"errors"
	"sync"
)

// DefaultSampleRate is the capture rate used when none is configured.
const DefaultSampleRate = 8000

// ErrNotRecording is returned by Stop when no capture is in progress.
var ErrNotRecording = errors.New("not recording")

// Capturer records signed 16-bit PCM from an input device.
type Capturer interface {
	// Start begins recording. Starting twice is an error or a no-op,
	// depending on the device.
	Start() error
	// Stop ends recording and returns everything captured since Start.
	Stop() ([]int16, error)
}

// Renderer plays samples on an output device.
type Renderer interface {
	Render(samples []float32, sampleRate int) error
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(samples []float32, sampleRate int) error

// Render calls f.
func (f RendererFunc) Render(samples []float32, sampleRate int) error {
	return f(samples, sampleRate)
}

// MultiRenderer renders each clip on every renderer in order. All renderers
// are attempted; their errors are joined.
type MultiRenderer []Renderer

// Render implements Renderer.
func (m MultiRenderer) Render(samples []float32, sampleRate int) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Render(samples, sampleRate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BufferCapturer is an in-memory Capturer. Samples written between Start
// and Stop are returned by Stop. It stands in for a microphone in tests and
// in the send command.
type BufferCapturer struct {
	mu        sync.Mutex
	recording bool
	samples   []int16
}

// NewBufferCapturer creates an idle capturer.
func NewBufferCapturer() *BufferCapturer {
	return &BufferCapturer{}
}

// Start implements Capturer. Starting while recording keeps the samples
// captured so far.
func (c *BufferCapturer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		c.recording = true
		c.samples = nil
	}
	return nil
}

// Write appends samples if recording and reports whether they were kept.
func (c *BufferCapturer) Write(samples []int16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return false
	}
	c.samples = append(c.samples, samples...)
	return true
}

// Recording reports whether Start has been called without a matching Stop.
func (c *BufferCapturer) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Stop implements Capturer.
func (c *BufferCapturer) Stop() ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return nil, ErrNotRecording
	}
	c.recording = false
	samples := c.samples
	c.samples = nil
	return samples, nil
}
