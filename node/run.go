package node

import (
	"context"

	"huddle/helper/timer"
	"huddle/protocol"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// Run starts the node's tasks and blocks until the context is cancelled or
// one of them fails: the pubsub listener, the record-RPC server, the
// introspection HTTP server, and the coordinating event loop.
func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	n.PubSub.Subscribe(n.topic, func(data []byte) {
		n.enqueue(cctx, gossipEvent{data: data})
	})
	n.PubSub.Subscribe(protocol.DiscoveryTopic, func(data []byte) {
		var ann protocol.Announcement
		if err := cbor.Unmarshal(data, &ann); err != nil {
			log.Debugf("discovery: dropping undecodable announcement: %v", err)
			return
		}
		if ann.Peer == nil {
			log.Debugf("discovery: dropping announcement without a peer id")
			return
		}
		if ann.Peer.Equal(n.ID) {
			return
		}
		n.enqueue(cctx, discoveryEvent{peer: ann.Peer.String(), addr: ann.Addr})
	})

	wg.Go(func() error {
		return n.PubSub.Listen(cctx)
	})

	wg.Go(func() error {
		return n.RecordServer.Serve(cctx)
	})

	wg.Go(func() error {
		return n.serveHTTP(cctx)
	})

	wg.Go(func() error {
		return n.loop(cctx)
	})

	return wg.Wait()
}

// enqueue hands an event to the loop, giving up on cancellation.
func (n *Node) enqueue(ctx context.Context, ev event) {
	select {
	case n.events <- ev:
	case <-ctx.Done():
	}
}

// loop is the coordinator: exactly one handler runs at a time. Handlers must
// not block on the network; anything slow is dispatched as a goroutine that
// reports back through the events channel.
func (n *Node) loop(ctx context.Context) error {
	heartbeat := (&timer.Interval{
		Duration: n.heartbeatEvery,
		Jitter:   n.heartbeatEvery / 10,
	}).NewTicker()
	defer heartbeat.Stop()

	antiEntropy := (&timer.Interval{
		Duration: n.antiEntropyEvery,
		Jitter:   n.antiEntropyEvery / 10,
	}).NewTicker()
	defer antiEntropy.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-n.events:
			switch ev := ev.(type) {
			case gossipEvent:
				n.handleGossip(ev.data)
			case discoveryEvent:
				n.handleDiscovery(ev.peer, ev.addr)
			case lookupEvent:
				n.handleLookupResult(ev)
			}

		case <-heartbeat.C:
			n.handleHeartbeatTick(ctx)

		case <-antiEntropy.C:
			n.handleAntiEntropyTick(ctx)
		}
	}
}
