package gossip

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func newDispatchOnly() *PubSub {
	return &PubSub{handlers: make(map[string]Handler)}
}

func TestDispatchRoutesByTopic(t *testing.T) {
	ps := newDispatchOnly()

	var got []byte
	ps.Subscribe("peers", func(data []byte) { got = data })

	raw, err := cbor.Marshal(envelope{Topic: "peers", Data: []byte("payload")})
	if err != nil {
		t.Fatal(err)
	}
	ps.dispatch(raw)

	if string(got) != "payload" {
		t.Fatalf("handler received %q", got)
	}
}

func TestDispatchDropsUnknownTopic(t *testing.T) {
	ps := newDispatchOnly()

	called := false
	ps.Subscribe("peers", func([]byte) { called = true })

	raw, err := cbor.Marshal(envelope{Topic: "other", Data: []byte("x")})
	if err != nil {
		t.Fatal(err)
	}
	ps.dispatch(raw)

	if called {
		t.Fatal("handler called for a foreign topic")
	}
}

func TestDispatchDropsUndecodableDatagram(t *testing.T) {
	ps := newDispatchOnly()

	called := false
	ps.Subscribe("peers", func([]byte) { called = true })

	ps.dispatch([]byte{0xff, 0x00, 0x01})

	if called {
		t.Fatal("handler called for an undecodable datagram")
	}
}

func TestSubscribeReplacesHandler(t *testing.T) {
	ps := newDispatchOnly()

	first, second := false, false
	ps.Subscribe("peers", func([]byte) { first = true })
	ps.Subscribe("peers", func([]byte) { second = true })

	raw, _ := cbor.Marshal(envelope{Topic: "peers", Data: nil})
	ps.dispatch(raw)

	if first || !second {
		t.Fatalf("expected only the replacement handler to run (first=%t second=%t)", first, second)
	}
}
