package live

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestTranslateOrdersEventsWithinMessage(t *testing.T) {
	events := translate(ServerMessage{
		InputTranscript:  strPtr("hello"),
		OutputTranscript: strPtr("hi"),
		Audio:            [][]byte{{1, 2}, nil, {3, 4}},
		Interrupted:      true,
		TurnComplete:     true,
	})

	kinds := make([]string, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.String())
	}
	require.Equal(t, []string{
		`transcript(user, "hello")`,
		`transcript(model, "hi")`,
		"audio_out(2 bytes)",
		"audio_out(2 bytes)",
		"interrupted",
		"turn_complete",
	}, kinds)
}

func TestTranslateKeepsEmptyTranscript(t *testing.T) {
	events := translate(ServerMessage{OutputTranscript: strPtr("")})
	require.Len(t, events, 1)
	require.Equal(t, SourceModel, events[0].Source)
	require.Empty(t, events[0].Text)
}

func TestTranslateSetupOnlyYieldsNothing(t *testing.T) {
	require.Empty(t, translate(ServerMessage{SetupComplete: true, GoAway: true}))
}

func TestEventTerminal(t *testing.T) {
	require.True(t, Event{Kind: EventError}.Terminal())
	require.True(t, Event{Kind: EventClosed}.Terminal())
	require.False(t, Event{Kind: EventAudio}.Terminal())
	require.False(t, Event{Kind: EventTurnComplete}.Terminal())
}
