// Package events defines the event sink the ACP core reports through and a
// sink that forwards to the event bus.
package events

// Kind names an event emitted by the ACP core.
type Kind string

const (
	SessionUpdate     Kind = "session_update"
	AgentStderr       Kind = "agent_stderr"
	PermissionRequest Kind = "permission_request"
	TerminalOutput    Kind = "terminal_output"
	TerminalExit      Kind = "terminal_exit"
	Initialized       Kind = "initialized"
	AgentExit         Kind = "agent_exit"
	SessionRecovered  Kind = "session_recovered"
	SessionActivated  Kind = "session_activated"

	// Diagnostics.
	ProtocolError    Kind = "protocol_error"
	UnhandledMethod  Kind = "unhandled_method"
	ConnectionReused Kind = "connection_reused"
)

// Sink receives events. Implementations must not block for long: Emit is
// called from protocol callbacks.
type Sink interface {
	Emit(kind Kind, payload any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(kind Kind, payload any)

// Emit implements Sink.
func (f SinkFunc) Emit(kind Kind, payload any) { f(kind, payload) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Kind, any) {})

// Tee forwards every event to each sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(kind Kind, payload any) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(kind, payload)
			}
		}
	})
}
