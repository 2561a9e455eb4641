package node

// The event loop multiplexes every input of the membership protocol into one
// stream. Each variant corresponds to one ingest path; the two timer ticks
// are select cases of their own in the loop.
type event interface {
	isEvent()
}

// gossipEvent carries the raw payload of a message received on the heartbeat
// topic. Decoding happens in the handler so foreign payloads can be dropped.
type gossipEvent struct {
	data []byte
}

// discoveryEvent reports a peer seen on the local network together with its
// record-RPC address.
type discoveryEvent struct {
	peer string
	addr string
}

// lookupEvent delivers the result of an asynchronous DHT lookup dispatched by
// the anti-entropy pass.
type lookupEvent struct {
	peer  string
	value []byte
	err   error
}

func (gossipEvent) isEvent()    {}
func (discoveryEvent) isEvent() {}
func (lookupEvent) isEvent()    {}
