package session

import (
	"context"

	"github.com/rbright/parlo/internal/audio"
	"github.com/rbright/parlo/internal/live"
	"github.com/rbright/parlo/internal/playback"
	"github.com/rbright/parlo/internal/video"
)

// Microphone is an open capture stream.
type Microphone interface {
	Device() audio.Device
	Close()
}

// Camera is an open frame source.
type Camera interface {
	video.Source
	Close() error
}

// Speaker is an open output device with its own clock.
type Speaker interface {
	playback.Output
	Close() error
}

// Link is the duplex connection to the live model.
type Link interface {
	Connect(ctx context.Context) error
	SendAudio(live.Chunk) error
	SendVideo(live.Chunk) error
	Events() <-chan live.Event
	Stats() live.Stats
	Close() error
}

// Resources opens the devices and connection for one session.
type Resources interface {
	OpenMicrophone(ctx context.Context, onFrame func([]float32)) (Microphone, error)
	OpenCamera(ctx context.Context) (Camera, error)
	OpenSpeaker(ctx context.Context) (Speaker, error)
	NewLink(instruction string) Link
}
