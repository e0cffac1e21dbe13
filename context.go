package rabble

// Context carries one delivered envelope into a Receiver. It is valid only
// for the duration of the Receive call; handlers that need the payload
// later must copy it.
type Context struct {
	self        Pid
	from        Pid
	payload     []byte
	correlation string

	route func(Envelope) error
}

// Self is the Pid of the actor handling the message.
func (c *Context) Self() Pid { return c.self }

// From is the Pid the envelope was sent from. May be the zero Pid for
// messages injected from outside any actor.
func (c *Context) From() Pid { return c.from }

// Payload is the message body. Owned by the runtime; copy to retain.
func (c *Context) Payload() []byte { return c.payload }

// Correlation is the envelope's correlation token.
func (c *Context) Correlation() string { return c.correlation }

// Send routes a new envelope from this actor to any Pid, local or remote.
func (c *Context) Send(to Pid, payload []byte) error {
	return c.route(NewEnvelope(c.self, to, payload))
}

// Reply sends payload back to the sender, carrying the inbound envelope's
// correlation token so the peer can match the response.
func (c *Context) Reply(payload []byte) error {
	env := Envelope{
		From:        c.self,
		To:          c.from,
		Payload:     payload,
		Correlation: c.correlation,
	}
	return c.route(env)
}
