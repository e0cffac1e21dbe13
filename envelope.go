package rabble

import "github.com/gokit/xid"

// Envelope is the addressed unit of message transport. It is immutable once
// constructed and owned by exactly one component at a time as it moves from
// sender to router to mailbox (or connection send queue) — never aliased.
//
// Payload is opaque to the runtime; the runtime moves bytes, applications
// decide what they mean.
type Envelope struct {
	From    Pid
	To      Pid
	Payload []byte

	// Correlation ties replies to the message that caused them. Assigned by
	// NewEnvelope; carried verbatim by Context.Reply.
	Correlation string
}

// NewEnvelope builds an envelope with a fresh correlation token.
func NewEnvelope(from, to Pid, payload []byte) Envelope {
	return Envelope{
		From:        from,
		To:          to,
		Payload:     payload,
		Correlation: xid.New().String(),
	}
}
