// Package gossip implements a multicast pubsub used as huddle's gossip
// channel. Publish: a CBOR-encoded envelope is sent to a multicast group.
// Subscribe: a listener receives a datagram over the network and hands the
// payload to the handler registered for the envelope's topic.
//
// Payload decoding belongs to the subscriber: the transport delivers raw
// bytes, so a handler can drop foreign or malformed payloads without the
// transport treating that as an error.
package gossip

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

const maxDatagramSize = 4096

type envelope struct {
	Topic string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint"`
}

// Handler receives the raw payload of a message published to a topic.
type Handler func(data []byte)

type PubSub struct {
	rc *net.UDPConn
	wc *net.UDPConn

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(rconn *net.UDPConn, wconn *net.UDPConn) *PubSub {
	return &PubSub{
		rc:       rconn,
		wc:       wconn,
		handlers: make(map[string]Handler),
	}
}

// Subscribe registers the handler for a topic, replacing any previous one.
func (ps *PubSub) Subscribe(topic string, h Handler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handlers[topic] = h
	log.Debugf("gossip.Subscribe: %s", topic)
}

// Publish sends data to every subscriber of the topic on the multicast group.
// Delivery is best effort: no acknowledgement, no ordering.
func (ps *PubSub) Publish(topic string, data []byte) error {
	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(envelope{Topic: topic, Data: data}); err != nil {
		return err
	}

	_, err := ps.wc.Write(buf.Bytes())
	if err != nil {
		return err
	}

	return nil
}

// Listen reads datagrams from the multicast group and dispatches them until
// the context is cancelled. A bad datagram never stops the loop.
func (ps *PubSub) Listen(ctx context.Context) error {
	// Unblock the read loop on cancellation.
	go func() {
		<-ctx.Done()
		ps.rc.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	ps.rc.SetReadBuffer(maxDatagramSize)
	for {
		n, _, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			log.Errorf("gossip: failed to read message: %v", err)
			continue
		}

		ps.dispatch(buf[:n])
	}
}

func (ps *PubSub) dispatch(raw []byte) {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		log.Debugf("gossip: dropping undecodable datagram (%d bytes): %v", len(raw), err)
		return
	}

	ps.mu.RLock()
	h := ps.handlers[env.Topic]
	ps.mu.RUnlock()

	if h == nil {
		log.Debugf("gossip: no subscriber for topic %q", env.Topic)
		return
	}

	h(env.Data)
}
