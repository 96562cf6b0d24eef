package controller

import "fmt"

// ConnState enumerates the controller's connection lifecycle (spec.md §6's
// connection_state output).
type ConnState int

const (
	StateNotPaired ConnState = iota
	StateDisconnected
	StateScanning
	StateConnecting
	StateInitializing
	StateAwaitingUserConfirmation
	StateReady
	StateRecovering
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateNotPaired:
		return "not_paired"
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateAwaitingUserConfirmation:
		return "awaiting_user_confirmation"
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is one point on the connection_state stream: Kind plus
// whichever payload fields that Kind carries (spec.md §6 lists the variants
// as carrying msg/code, an attempt counter, or msg/cause).
type ConnectionState struct {
	Kind    ConnState
	Msg     string
	Code    string
	Attempt int
	Cause   error
}

func (s ConnectionState) String() string {
	switch {
	case s.Cause != nil:
		return fmt.Sprintf("%s: %s (%v)", s.Kind, s.Msg, s.Cause)
	case s.Attempt > 0:
		return fmt.Sprintf("%s (attempt %d)", s.Kind, s.Attempt)
	case s.Msg != "":
		return fmt.Sprintf("%s: %s", s.Kind, s.Msg)
	default:
		return s.Kind.String()
	}
}
