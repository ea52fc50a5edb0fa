package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/video"
)

// OutcomeKind classifies how a session ended.
type OutcomeKind string

const (
	OutcomeNormal         OutcomeKind = "normal"
	OutcomeCancelled      OutcomeKind = "cancelled"
	OutcomeDeviceError    OutcomeKind = "device_error"
	OutcomeConnectError   OutcomeKind = "connect_error"
	OutcomeEncodeError    OutcomeKind = "encode_error"
	OutcomeTransportError OutcomeKind = "transport_error"
	OutcomeConnectionLost OutcomeKind = "connection_lost"
)

// Outcome is the terminal record of one session.
type Outcome struct {
	Kind      OutcomeKind
	Err       error
	SessionID string
	Mode      Mode
	// Device names the resource that failed to open for device errors.
	Device    string
	StartedAt time.Time
	EndedAt   time.Time

	Turns           int
	AudioFrames     int64
	AudioDropped    int64
	VideoFrames     int64
	VideoDropped    int64
	PlaybackBuffers int64
	Interruptions   int64
}

// Failed reports whether the outcome should be surfaced as an error.
func (o Outcome) Failed() bool {
	switch o.Kind {
	case OutcomeNormal, OutcomeCancelled:
		return false
	case "":
		return o.Err != nil
	default:
		return true
	}
}

// Duration is the wall time between start and teardown.
func (o Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Notice is the one-line user-visible message for a failed session.
func (o Outcome) Notice() string {
	switch o.Kind {
	case OutcomeDeviceError:
		device := o.Device
		if device == "" {
			device = "microphone"
		}
		return fmt.Sprintf("%s unavailable: %s", device, deviceReason(o.Err))
	case OutcomeConnectError:
		return "could not connect to the live model, please retry"
	case OutcomeTransportError, OutcomeConnectionLost:
		return "connection lost, please retry"
	case OutcomeEncodeError:
		return "audio encoding failed, session stopped"
	default:
		return ""
	}
}

func deviceReason(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, video.ErrCameraUnavailable):
		return "not found or busy"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return err.Error()
	}
}
