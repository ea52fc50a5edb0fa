package live

import "fmt"

// EventKind identifies one inbound transport event.
type EventKind string

const (
	EventAudio        EventKind = "audio_out"
	EventTranscript   EventKind = "transcript"
	EventTurnComplete EventKind = "turn_complete"
	EventInterrupted  EventKind = "interrupted"
	EventError        EventKind = "error"
	EventClosed       EventKind = "closed"
)

// Source names the speaker a transcript fragment belongs to.
type Source string

const (
	SourceUser  Source = "user"
	SourceModel Source = "model"
)

// Close reasons carried by EventClosed.
const (
	ReasonLocal  = "local"
	ReasonRemote = "remote"
)

// Event is one item on the transport's ordered event sink.
type Event struct {
	Kind   EventKind
	Audio  []byte
	Source Source
	Text   string
	Reason string
	Err    error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventClosed
}

func (e Event) String() string {
	switch e.Kind {
	case EventAudio:
		return fmt.Sprintf("%s(%d bytes)", e.Kind, len(e.Audio))
	case EventTranscript:
		return fmt.Sprintf("%s(%s, %q)", e.Kind, e.Source, e.Text)
	case EventError, EventClosed:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}

// ServerMessage is one decoded server frame, independent of the wire backend.
type ServerMessage struct {
	SetupComplete    bool
	InputTranscript  *string
	OutputTranscript *string
	Audio            [][]byte
	Interrupted      bool
	TurnComplete     bool
	GoAway           bool
	GoAwayTimeLeft   string
}

// translate expands one server message into events in a fixed order:
// input transcript, output transcript, audio parts, interrupted, turn complete.
func translate(msg ServerMessage) []Event {
	var events []Event
	if msg.InputTranscript != nil {
		events = append(events, Event{Kind: EventTranscript, Source: SourceUser, Text: *msg.InputTranscript})
	}
	if msg.OutputTranscript != nil {
		events = append(events, Event{Kind: EventTranscript, Source: SourceModel, Text: *msg.OutputTranscript})
	}
	for _, part := range msg.Audio {
		if len(part) == 0 {
			continue
		}
		events = append(events, Event{Kind: EventAudio, Audio: part})
	}
	if msg.Interrupted {
		events = append(events, Event{Kind: EventInterrupted})
	}
	if msg.TurnComplete {
		events = append(events, Event{Kind: EventTurnComplete})
	}
	return events
}
