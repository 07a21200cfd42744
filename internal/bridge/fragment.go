package bridge

import "fmt"

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	// BridgeUnavailable: the bridging script or the runtime that executes it is missing.
	BridgeUnavailable ErrorKind = "bridge_unavailable"
	// BridgeProtocolError: a sentinel line carried a payload that is not valid JSON.
	BridgeProtocolError ErrorKind = "bridge_protocol_error"
	// BridgeExecutionFailure: the process exited non-zero.
	BridgeExecutionFailure ErrorKind = "bridge_execution_failure"
	// AgentReportedError: the payload said ok=false.
	AgentReportedError ErrorKind = "agent_reported_error"
	// BridgeInternal: an unexpected failure while spawning or reading the process.
	BridgeInternal ErrorKind = "bridge_internal"
)

// Error describes why an invocation failed. It is delivered as a fragment, never returned.
type Error struct {
	Kind     ErrorKind
	Msg      string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Fragment is one piece of a streamed reply. Error fragments carry Err and a
// human-readable Text so callers can render them inline.
type Fragment struct {
	Text string
	Err  *Error
}

// IsError reports whether the fragment reports a failure.
func (f Fragment) IsError() bool {
	return f.Err != nil
}

func errorFragment(kind ErrorKind, msg string) Fragment {
	return Fragment{
		Text: "Error: " + msg,
		Err:  &Error{Kind: kind, Msg: msg},
	}
}
