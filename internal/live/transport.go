// Package live owns the duplex streaming connection to the remote conversation model.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrConnect wraps every failure to establish a session.
	ErrConnect = errors.New("live connect failed")
	// ErrNotOpen is returned by sends outside the open state.
	ErrNotOpen = errors.New("live transport not open")
	// ErrQueueFull is returned when a send queue is saturated and the chunk was dropped.
	ErrQueueFull = errors.New("live send queue full")
	// ErrRemoteClosed is returned by a Wire when the server ended the session cleanly.
	ErrRemoteClosed = errors.New("live session closed by server")
)

// State is the transport lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// Chunk is one immutable outbound media unit.
type Chunk struct {
	MIMEType string
	Data     []byte
}

// Config describes the requested session.
type Config struct {
	Model               string
	Voice               string
	SystemInstruction   string
	InputTranscription  bool
	OutputTranscription bool
	// SendQueue bounds the audio queue; video uses a quarter of it.
	SendQueue int
}

const (
	DefaultModel     = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice     = "Zephyr"
	DefaultSendQueue = 64
)

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.SendQueue <= 0 {
		c.SendQueue = DefaultSendQueue
	}
	return c
}

// Wire is one established backend connection.
type Wire interface {
	SendAudio(Chunk) error
	SendVideo(Chunk) error
	// Recv blocks for the next server message. It returns ErrRemoteClosed on a clean remote close.
	Recv() (ServerMessage, error)
	Close() error
}

// Dialer opens a Wire. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Wire, error)
}

// Stats are cumulative outbound counters.
type Stats struct {
	AudioSent    int64
	VideoSent    int64
	AudioDropped int64
	VideoDropped int64
}

// Transport multiplexes outbound media over one Wire and publishes inbound
// events on a single ordered channel.
type Transport struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	events chan Event
	audio  chan Chunk
	video  chan Chunk
	done   chan struct{}

	mu            sync.Mutex
	state         State
	wire          Wire
	cancelConnect context.CancelFunc
	localClose    bool
	writeErr      error
	terminated    bool

	audioSent    atomic.Int64
	videoSent    atomic.Int64
	audioDropped atomic.Int64
	videoDropped atomic.Int64
}

// New builds an idle transport.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	videoQueue := max(cfg.SendQueue/4, 1)
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		events: make(chan Event, 256),
		audio:  make(chan Chunk, cfg.SendQueue),
		video:  make(chan Chunk, videoQueue),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Events is the single ordered inbound sink. Exactly one terminal event
// (error or closed) is delivered, then the channel is closed.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of outbound counters.
func (t *Transport) Stats() Stats {
	return Stats{
		AudioSent:    t.audioSent.Load(),
		VideoSent:    t.videoSent.Load(),
		AudioDropped: t.audioDropped.Load(),
		VideoDropped: t.videoDropped.Load(),
	}
}

// Connect establishes the session. Cancelling ctx or calling Close aborts it.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is %s", ErrConnect, state)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	t.cancelConnect = cancel
	t.state = StateConnecting
	t.mu.Unlock()
	defer cancel()

	t.logDebug("live connect", "model", t.cfg.Model, "voice", t.cfg.Voice)
	wire, err := t.dialer.Dial(dialCtx, t.cfg)

	t.mu.Lock()
	t.cancelConnect = nil
	if err == nil && t.localClose {
		t.mu.Unlock()
		_ = wire.Close()
		err = context.Canceled
		t.mu.Lock()
	}
	if err != nil {
		local := t.localClose
		if local {
			t.state = StateClosed
		} else {
			t.state = StateErrored
		}
		t.mu.Unlock()

		if local {
			t.terminate(Event{Kind: EventClosed, Reason: ReasonLocal})
		} else {
			t.terminate(Event{Kind: EventError, Reason: err.Error(), Err: err})
		}
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	t.wire = wire
	t.state = StateOpen
	t.mu.Unlock()

	go t.writeLoop(wire)
	go t.readLoop(wire)
	t.logInfo("live session open", "model", t.cfg.Model)
	return nil
}

// SendAudio queues an audio chunk without waiting for the network.
func (t *Transport) SendAudio(chunk Chunk) error {
	return t.enqueue(t.audio, chunk, &t.audioDropped)
}

// SendVideo queues a video frame without waiting for the network.
func (t *Transport) SendVideo(chunk Chunk) error {
	return t.enqueue(t.video, chunk, &t.videoDropped)
}

func (t *Transport) enqueue(queue chan Chunk, chunk Chunk, dropped *atomic.Int64) error {
	if t.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case queue <- chunk:
		return nil
	default:
		dropped.Add(1)
		return ErrQueueFull
	}
}

// Close ends the session. It is idempotent and does not wait for the
// terminal event; consumers observe it on Events.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.localClose {
		t.mu.Unlock()
		return nil
	}
	t.localClose = true

	switch t.state {
	case StateIdle:
		t.state = StateClosed
		t.mu.Unlock()
		t.terminate(Event{Kind: EventClosed, Reason: ReasonLocal})
		return nil
	case StateConnecting:
		cancel := t.cancelConnect
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateOpen:
		t.state = StateClosing
		wire := t.wire
		t.mu.Unlock()
		close(t.done)
		if err := wire.Close(); err != nil {
			return fmt.Errorf("close live wire: %w", err)
		}
		return nil
	default:
		t.mu.Unlock()
		return nil
	}
}

// writeLoop is the only goroutine writing to the wire.
func (t *Transport) writeLoop(wire Wire) {
	for {
		select {
		case <-t.done:
			return
		case chunk := <-t.audio:
			if err := wire.SendAudio(chunk); err != nil {
				t.failWrite(wire, fmt.Errorf("send audio: %w", err))
				return
			}
			t.audioSent.Add(1)
		case chunk := <-t.video:
			if err := wire.SendVideo(chunk); err != nil {
				t.failWrite(wire, fmt.Errorf("send video: %w", err))
				return
			}
			t.videoSent.Add(1)
		}
	}
}

// failWrite records the first write error and closes the wire so readLoop
// reports it as the terminal event.
func (t *Transport) failWrite(wire Wire, err error) {
	t.mu.Lock()
	if t.localClose || t.writeErr != nil {
		t.mu.Unlock()
		return
	}
	t.writeErr = err
	t.mu.Unlock()
	_ = wire.Close()
}

// readLoop owns event delivery while open and emits the terminal event on exit.
func (t *Transport) readLoop(wire Wire) {
	for {
		msg, err := wire.Recv()
		if err != nil {
			t.finish(wire, err)
			return
		}
		if msg.GoAway {
			t.logWarn("live server going away", "time_left", msg.GoAwayTimeLeft)
		}
		for _, ev := range translate(msg) {
			t.events <- ev
		}
	}
}

func (t *Transport) finish(wire Wire, recvErr error) {
	t.mu.Lock()
	local := t.localClose
	writeErr := t.writeErr
	var terminal Event
	switch {
	case local:
		t.state = StateClosed
		terminal = Event{Kind: EventClosed, Reason: ReasonLocal}
	case writeErr != nil:
		t.state = StateErrored
		terminal = Event{Kind: EventError, Reason: writeErr.Error(), Err: writeErr}
	case errors.Is(recvErr, ErrRemoteClosed):
		t.state = StateClosed
		terminal = Event{Kind: EventClosed, Reason: ReasonRemote}
	default:
		t.state = StateErrored
		terminal = Event{Kind: EventError, Reason: recvErr.Error(), Err: recvErr}
	}
	t.mu.Unlock()

	if !local {
		t.closeDone()
		_ = wire.Close()
	}
	if terminal.Kind == EventError {
		t.logWarn("live session failed", "error", terminal.Reason)
	} else {
		t.logInfo("live session closed", "reason", terminal.Reason)
	}
	t.terminate(terminal)
}

func (t *Transport) closeDone() {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// terminate delivers the single terminal event and closes the sink.
func (t *Transport) terminate(ev Event) {
	t.mu.Lock()
	if t.terminated {
		t.mu.Unlock()
		return
	}
	t.terminated = true
	t.mu.Unlock()

	t.events <- ev
	close(t.events)
}

func (t *Transport) logDebug(message string, args ...any) {
	if t.logger != nil {
		t.logger.Debug(message, args...)
	}
}

func (t *Transport) logInfo(message string, args ...any) {
	if t.logger != nil {
		t.logger.Info(message, args...)
	}
}

func (t *Transport) logWarn(message string, args ...any) {
	if t.logger != nil {
		t.logger.Warn(message, args...)
	}
}
