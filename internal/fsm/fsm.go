// Package fsm defines the live session lifecycle states and their legal transitions.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
)

const (
	EventStart      Event = "start"
	EventConnected  Event = "connected"
	EventClose      Event = "close"
	EventClosed     Event = "closed"
	EventDeviceFail Event = "device_fail"
)

// Transition returns the state reached from current on event.
//
// Closing may be entered from connecting (cancelled or failed connect) or active.
// Device failures skip closing entirely because nothing remote was opened.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventConnected:
			return StateActive, nil
		case EventDeviceFail:
			return StateIdle, nil
		case EventClose:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateActive:
		switch event {
		case EventClose:
			return StateClosing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateClosing:
		switch event {
		case EventClosed:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
