package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/parlo/internal/history"
	"github.com/rbright/parlo/internal/transcript"
)

// presence forwards speaking/idle transitions to the indicator off the audio goroutine.
// Only the latest transition is kept when the indicator falls behind.
type presence struct {
	indicator Indicator
	updates   chan bool
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func newPresence(indicator Indicator) *presence {
	p := &presence{
		indicator: indicator,
		updates:   make(chan bool, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *presence) PlaybackStarted() { p.set(true) }

func (p *presence) PlaybackIdle() { p.set(false) }

func (p *presence) set(speaking bool) {
	for {
		select {
		case p.updates <- speaking:
			return
		default:
		}
		select {
		case <-p.updates:
		default:
		}
	}
}

func (p *presence) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case speaking := <-p.updates:
			if speaking {
				p.indicator.ShowSpeaking(context.Background())
			} else {
				p.indicator.ShowListening(context.Background())
			}
		}
	}
}

func (p *presence) stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	<-p.done
}

// recorder publishes finalized pairs in order without blocking the event loop.
type recorder struct {
	sink      HistorySink
	sessionID string
	mode      Mode
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	records chan history.Record
	done    chan struct{}
}

const (
	recorderQueue   = 32
	publishDeadline = 5 * time.Second
)

func newRecorder(sink HistorySink, sessionID string, mode Mode, logger *slog.Logger) *recorder {
	r := &recorder{
		sink:      sink,
		sessionID: sessionID,
		mode:      mode,
		logger:    logger,
		records:   make(chan history.Record, recorderQueue),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) enqueue(pair transcript.Pair) {
	if r.sink == nil {
		return
	}
	rec := history.Record{SessionID: r.sessionID, Mode: string(r.mode), Pair: pair}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.records <- rec:
	default:
		if r.logger != nil {
			r.logger.Warn("history queue full; turn not published", "session_id", r.sessionID, "turn", pair.Turn)
		}
	}
}

func (r *recorder) run() {
	defer close(r.done)
	for rec := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), publishDeadline)
		err := r.sink.Publish(ctx, rec)
		cancel()
		if err != nil && r.logger != nil {
			r.logger.Warn("history publish failed", "session_id", r.sessionID, "turn", rec.Pair.Turn, "error", err.Error())
		}
	}
}

// close drains queued records and stops the worker.
func (r *recorder) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.records)
	}
	r.mu.Unlock()
	<-r.done
}
