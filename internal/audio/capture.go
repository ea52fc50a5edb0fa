package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
)

const (
	// DefaultSampleRate is the microphone rate the live model expects.
	DefaultSampleRate = 16000
	// DefaultFrameSamples is the fixed frame length delivered per callback.
	DefaultFrameSamples = 4096
)

// Constraints shape the delivered frames.
type Constraints struct {
	SampleRate   int
	FrameSamples int
}

func (c Constraints) withDefaults() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = DefaultFrameSamples
	}
	return c
}

// micClaim enforces a single open microphone per process.
var micClaim atomic.Bool

func claimMicrophone() error {
	if !micClaim.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: microphone already in use", ErrDeviceUnavailable)
	}
	return nil
}

func releaseMicrophone() {
	micClaim.Store(false)
}

// Capture streams fixed-length float32 mono frames from one Pulse source.
type Capture struct {
	device      Device
	constraints Constraints
	onFrame     func([]float32)

	client *pulse.Client
	stream *pulse.RecordStream

	mu      sync.Mutex
	pending []float32
	closed  bool
	claimed bool

	inflight sync.WaitGroup
	frames   atomic.Int64
	samples  atomic.Int64
}

// OpenCapture claims the microphone and starts delivering frames to onFrame
// from the Pulse record goroutine.
func OpenCapture(ctx context.Context, selected Device, constraints Constraints, onFrame func([]float32)) (*Capture, error) {
	if onFrame == nil {
		return nil, fmt.Errorf("open capture: nil frame callback")
	}
	if err := claimMicrophone(); err != nil {
		return nil, err
	}

	capture := &Capture{
		device:      selected,
		constraints: constraints.withDefaults(),
		onFrame:     onFrame,
		claimed:     true,
	}

	client, err := newClient("audio-input-microphone")
	if err != nil {
		capture.Close()
		return nil, err
	}
	capture.client = client

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		capture.Close()
		return nil, classify(fmt.Errorf("resolve source %q: %w", selected.ID, err))
	}

	stream, err := client.NewRecord(
		pulse.Float32Writer(capture.onPCM),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(capture.constraints.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(capture.constraints.FrameSamples*4)),
		pulse.RecordMediaName("parlo conversation"),
	)
	if err != nil {
		capture.Close()
		return nil, classify(fmt.Errorf("create pulse record stream: %w", err))
	}

	capture.stream = stream
	stream.Start()

	go func() {
		<-ctx.Done()
		capture.Close()
	}()

	return capture, nil
}

// Device returns capture metadata for logging and diagnostics.
func (c *Capture) Device() Device {
	return c.device
}

// FramesDelivered reports how many full frames reached the callback.
func (c *Capture) FramesDelivered() int64 {
	return c.frames.Load()
}

// SamplesCaptured reports total samples accepted from Pulse.
func (c *Capture) SamplesCaptured() int64 {
	return c.samples.Load()
}

// Close stops the stream and releases the microphone. After it returns no
// further frames are delivered. Repeated calls are no-ops.
func (c *Capture) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	claimed := c.claimed
	c.claimed = false
	c.mu.Unlock()
	if claimed {
		releaseMicrophone()
	}
}

// onPCM receives raw Pulse samples and delivers FrameSamples-long frames.
// A trailing partial frame is dropped on close.
func (c *Capture) onPCM(buffer []float32) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same mutex as c.closed so Close cannot miss it.
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	size := c.constraints.FrameSamples
	frames := make([][]float32, 0, len(c.pending)/size)
	for len(c.pending) >= size {
		frame := make([]float32, size)
		copy(frame, c.pending[:size])
		c.pending = c.pending[size:]
		frames = append(frames, frame)
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.samples.Add(int64(len(buffer)))
	for _, frame := range frames {
		c.onFrame(frame)
		c.frames.Add(1)
	}

	return len(buffer), nil
}
