// Package pipeline moves captured microphone frames onto the live transport
// and writes optional debug artifacts.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/encode"
	"github.com/rbright/parlo/internal/live"
)

// AudioSender is the outbound half of the live transport.
type AudioSender interface {
	SendAudio(live.Chunk) error
}

// UplinkConfig toggles debug capture.
type UplinkConfig struct {
	AudioDump bool
}

// UplinkStats are cumulative frame counters.
type UplinkStats struct {
	Frames  int64
	Bytes   int64
	Dropped int64
}

// Uplink is the capture callback target. Frames are dropped until Open and
// after Close; an encode failure is reported once through onFatal.
type Uplink struct {
	cfg     UplinkConfig
	onFatal func(error)
	logger  *slog.Logger

	mu     sync.Mutex
	sender AudioSender
	closed bool
	failed bool
	pcm    []byte

	frames  atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

// NewUplink builds a gated uplink.
func NewUplink(cfg UplinkConfig, onFatal func(error), logger *slog.Logger) *Uplink {
	return &Uplink{cfg: cfg, onFatal: onFatal, logger: logger}
}

// Open starts forwarding frames to sender.
func (u *Uplink) Open(sender AudioSender) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.sender = sender
}

// HandleFrame encodes one captured frame and queues it for sending.
func (u *Uplink) HandleFrame(frame []float32) {
	u.mu.Lock()
	sender := u.sender
	if u.closed || u.failed || sender == nil {
		u.mu.Unlock()
		u.dropped.Add(1)
		return
	}
	u.mu.Unlock()

	pcm, err := encode.PCM16(frame)
	if err != nil {
		u.fail(fmt.Errorf("encode microphone frame: %w", err))
		return
	}

	if u.cfg.AudioDump {
		u.mu.Lock()
		u.pcm = append(u.pcm, pcm...)
		u.mu.Unlock()
	}

	if err := sender.SendAudio(live.Chunk{MIMEType: encode.InputMIMEType, Data: pcm}); err != nil {
		u.dropped.Add(1)
		if errors.Is(err, live.ErrQueueFull) {
			u.logDebug("microphone frame dropped", "error", err.Error())
		}
		return
	}
	u.frames.Add(1)
	u.bytes.Add(int64(len(pcm)))
}

func (u *Uplink) fail(err error) {
	u.mu.Lock()
	if u.failed || u.closed {
		u.mu.Unlock()
		return
	}
	u.failed = true
	u.mu.Unlock()

	u.dropped.Add(1)
	if u.logger != nil {
		u.logger.Error("uplink encode failed", "error", err.Error())
	}
	if u.onFatal != nil {
		u.onFatal(err)
	}
}

// Close stops forwarding and writes the debug WAV when enabled. Repeated calls are no-ops.
func (u *Uplink) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.sender = nil
	pcm := u.pcm
	u.pcm = nil
	u.mu.Unlock()

	if u.cfg.AudioDump && len(pcm) > 0 {
		if err := writeDebugAudio(pcm, encode.InputSampleRate); err != nil {
			u.logWarn("unable to write debug audio dump", "error", err.Error())
		}
	}
}

// Stats returns a snapshot of counters.
func (u *Uplink) Stats() UplinkStats {
	return UplinkStats{
		Frames:  u.frames.Load(),
		Bytes:   u.bytes.Load(),
		Dropped: u.dropped.Load(),
	}
}

// DescribeDevice formats device metadata for logs and status output.
func DescribeDevice(device audio.Device) string {
	description := strings.TrimSpace(device.Description)
	id := strings.TrimSpace(device.ID)
	if description == "" {
		return id
	}
	if id == "" {
		return description
	}
	return fmt.Sprintf("%s (%s)", description, id)
}

func (u *Uplink) logDebug(message string, args ...any) {
	if u.logger == nil {
		return
	}
	u.logger.Debug(message, args...)
}

func (u *Uplink) logWarn(message string, args ...any) {
	if u.logger == nil {
		return
	}
	u.logger.Warn(message, args...)
}
