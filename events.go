package rabble

import "github.com/gokit/es"

// Membership events. Published on the membership event stream in the order
// the membership manager observes the transitions; for any one peer, NodeUp
// and NodeDown alternate.

// NodeUp signals that a connection to the peer is established and remote
// sends to it can succeed.
type NodeUp struct {
	ID NodeID
}

// NodeDown signals that the peer's connection was lost or removed. Envelopes
// sent while down fail with ErrNodeUnreachable; nothing is buffered for
// later delivery.
type NodeDown struct {
	ID NodeID
}

// Subscription detaches an event subscriber when stopped.
type Subscription = es.Subscription

// eventer decorates the gokit es event stream with typed publish helpers.
type eventer struct {
	es es.EventStream
}

func newEventer() *eventer {
	return &eventer{es: es.New()}
}

// Subscribe registers fn for every subsequent membership event. The handler
// runs on the membership goroutine and must return quickly.
func (e *eventer) Subscribe(fn func(interface{})) Subscription {
	return e.es.Subscribe(fn)
}

func (e *eventer) Publish(event interface{}) {
	e.es.Publish(event)
}
