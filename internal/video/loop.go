package video

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/parlo/internal/encode"
	"github.com/rbright/parlo/internal/live"
)

// DefaultInterval is the vision frame cadence.
const DefaultInterval = 500 * time.Millisecond

// Source yields the most recent camera frame.
type Source interface {
	Latest() (image.Image, bool)
}

// LoopConfig tunes frame pacing and encoding.
type LoopConfig struct {
	Interval time.Duration
	JPEG     encode.JPEGOptions
}

// Loop samples a Source at a fixed interval, encodes JPEG, and hands the
// result to send. Frames that fail to encode or send are dropped.
type Loop struct {
	source Source
	send   func(live.Chunk) error
	cfg    LoopConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewLoop builds an idle loop.
func NewLoop(source Source, send func(live.Chunk) error, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Loop{source: source, send: send, cfg: cfg, logger: logger}
}

// Start launches the ticker goroutine. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, l.done)
}

// Stop halts the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Sent reports delivered frames.
func (l *Loop) Sent() int64 { return l.sent.Load() }

// Dropped reports frames skipped for missing input, encode failure, or send failure.
func (l *Loop) Dropped() int64 { return l.dropped.Load() }

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	frame, ok := l.source.Latest()
	if !ok {
		l.dropped.Add(1)
		return
	}
	data, err := encode.JPEG(frame, l.cfg.JPEG)
	if err != nil {
		l.dropped.Add(1)
		l.debug("video frame encode failed", err)
		return
	}
	if err := l.send(live.Chunk{MIMEType: encode.JPEGMIMEType, Data: data}); err != nil {
		l.dropped.Add(1)
		l.debug("video frame send skipped", err)
		return
	}
	l.sent.Add(1)
}

func (l *Loop) debug(message string, err error) {
	if l.logger == nil {
		return
	}
	l.logger.Debug(message, "error", err.Error())
}
