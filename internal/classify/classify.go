// Package classify renders the service's error taxonomy as sentinel values
// so call sites can recover a failure kind with errors.Is instead of string
// matching.
package classify

import "errors"

// Kinds from the error/retry policy. Each is wrapped with the underlying
// cause via fmt.Errorf("...: %w", cause) as it crosses a component boundary.
var (
	// FatalConfig means startup must be refused (missing env, invalid port).
	FatalConfig = errors.New("fatal config error")

	// TransientUpstream covers 429s, connection resets, socket timeouts.
	// Absorbed by reconnect/retry loops; never terminates the service.
	TransientUpstream = errors.New("transient upstream error")

	// ProtocolMismatch means the upstream sent something the subscription
	// protocol didn't expect (malformed ack, unrecognized frame shape).
	ProtocolMismatch = errors.New("protocol mismatch")

	// DecodeError means an instruction claimed to be "create" but its
	// payload was malformed. Drops the one event, never the pipeline.
	DecodeError = errors.New("decode error")

	// SubscriberError means a single session misbehaved (write failure,
	// malformed control frame). Terminates only that session.
	SubscriberError = errors.New("subscriber error")
)

// Is reports whether err is classified as kind, following wrapped chains.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
