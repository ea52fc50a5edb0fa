// Package playback schedules streamed model audio for gapless back-to-back output.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback scheduler closed")

// Clock is the output device's monotonic timeline.
type Clock interface {
	Now() time.Duration
}

// Voice is one buffer handed to the output device.
type Voice interface {
	// Stop aborts playback immediately. The done callback passed to Play is not invoked.
	Stop()
}

// Output plays sample buffers at absolute positions on its own clock.
type Output interface {
	Clock
	// Play starts samples at the given clock position and calls done when they finish.
	Play(at time.Duration, samples []int16, sampleRate int, done func()) (Voice, error)
}

// Listener observes speaking/idle transitions. Calls are made with the
// scheduler lock held so they arrive in order; implementations must not
// call back into the Scheduler.
type Listener interface {
	PlaybackStarted()
	PlaybackIdle()
}

// Slot is one scheduled buffer.
type Slot struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock position where the slot stops sounding.
func (s Slot) End() time.Duration {
	return s.Start + s.Duration
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Scheduled int64
	CatchUps  int64
	Flushes   int64
	Failures  int64
}

type pendingSlot struct {
	slot  Slot
	voice Voice
}

// Scheduler owns the next-start cursor and the set of pending slots.
type Scheduler struct {
	out      Output
	listener Listener
	logger   *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	pending   []pendingSlot
	seq       uint64
	closed    bool
	stats     Stats
}

// NewScheduler builds a scheduler bound to one output device.
func NewScheduler(out Output, listener Listener, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		out:       out,
		listener:  listener,
		logger:    logger,
		nextStart: out.Now(),
	}
}

// Enqueue schedules samples immediately after everything already pending,
// or at the current clock position when the cursor has fallen behind.
func (s *Scheduler) Enqueue(samples []int16, sampleRate int) (Slot, error) {
	if sampleRate <= 0 {
		return Slot{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if len(samples) == 0 {
		return Slot{}, nil
	}
	duration := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Slot{}, ErrClosed
	}

	now := s.out.Now()
	start := s.nextStart
	if now > start {
		start = now
		if len(s.pending) > 0 || s.stats.Scheduled > 0 {
			s.stats.CatchUps++
		}
	}

	s.seq++
	slot := Slot{ID: s.seq, Start: start, Duration: duration}
	wasIdle := len(s.pending) == 0

	voice, err := s.out.Play(start, samples, sampleRate, func() { s.finished(slot.ID) })
	if err != nil {
		s.stats.Failures++
		s.mu.Unlock()
		s.logWarn("schedule output buffer failed", "error", err.Error(), "duration_ms", duration.Milliseconds())
		return Slot{}, fmt.Errorf("schedule output buffer: %w", err)
	}

	s.pending = append(s.pending, pendingSlot{slot: slot, voice: voice})
	s.nextStart = slot.End()
	s.stats.Scheduled++
	if wasIdle && s.listener != nil {
		s.listener.PlaybackStarted()
	}
	s.mu.Unlock()
	return slot, nil
}

// finished releases one slot after the device reports its natural end.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	idx := -1
	for i, p := range s.pending {
		if p.slot.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Already flushed.
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	if len(s.pending) == 0 && s.listener != nil {
		s.listener.PlaybackIdle()
	}
	s.mu.Unlock()
}

// Flush aborts every pending slot and resets the cursor to the current clock position.
// It is safe to call with nothing pending.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	stopped := s.pending
	s.pending = nil
	s.nextStart = s.out.Now()
	s.stats.Flushes++
	if len(stopped) > 0 && s.listener != nil {
		s.listener.PlaybackIdle()
	}
	s.mu.Unlock()

	for _, p := range stopped {
		if p.voice != nil {
			p.voice.Stop()
		}
	}
	return len(stopped)
}

// Close flushes pending audio and rejects later buffers. Repeated calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.Flush()
}

// NextStart reports the cursor where the next buffer would begin at the earliest.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Pending returns a snapshot of scheduled slots in start order.
func (s *Scheduler) Pending() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slot, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.slot)
	}
	return out
}

// Stats returns a snapshot of cumulative counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) logWarn(message string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(message, args...)
}
