package node

import (
	"context"
	"strconv"

	"huddle/protocol"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// handleHeartbeatTick announces self-liveness on every channel we have: the
// gossip topic, the DHT record, the discovery topic, and the local directory.
// Publish and put failures are non-fatal; the next tick retries.
func (n *Node) handleHeartbeatTick(ctx context.Context) {
	ts := n.nowUnix()
	self := n.ID.String()

	hb, err := cbor.Marshal(&protocol.Heartbeat{Peer: self, Ts: ts})
	if err != nil {
		log.Errorf("heartbeat: failed to encode payload: %v", err)
		return
	}
	if err := n.PubSub.Publish(n.topic, hb); err != nil {
		log.Warnf("heartbeat: publish failed: %v", err)
	}

	// The DHT put replicates over TCP; keep it off the loop.
	go func() {
		value := []byte(strconv.FormatUint(ts, 10))
		if err := n.DHT.PutRecord(ctx, protocol.RecordKey(self), value, ts); err != nil {
			log.Warnf("heartbeat: record put failed: %v", err)
		}
	}()

	ann, err := cbor.Marshal(&protocol.Announcement{Peer: n.ID, Addr: n.recordAddr})
	if err != nil {
		log.Errorf("heartbeat: failed to encode announcement: %v", err)
	} else if err := n.PubSub.Publish(protocol.DiscoveryTopic, ann); err != nil {
		log.Warnf("heartbeat: announcement publish failed: %v", err)
	}

	n.Directory.Merge(self, ts)
	log.Infof("heartbeat: published ts=%d local_peer=%s peers_count=%d", ts, self, n.Directory.Len())
}

// handleGossip merges a heartbeat received on the gossip topic. Payloads that
// do not decode as heartbeats are foreign traffic, not errors.
func (n *Node) handleGossip(data []byte) {
	var hb protocol.Heartbeat
	if err := cbor.Unmarshal(data, &hb); err != nil {
		log.Debugf("gossip: dropping payload (%d bytes): %v", len(data), err)
		return
	}
	if hb.Peer == "" {
		log.Debugf("gossip: dropping heartbeat without a peer id")
		return
	}

	prev, known := n.Directory.Get(hb.Peer)
	changed := n.Directory.Merge(hb.Peer, hb.Ts)

	switch {
	case !known:
		log.Infof("gossip: discovered peer=%s ts=%d peers_count=%d", hb.Peer, hb.Ts, n.Directory.Len())
	case changed:
		log.Infof("gossip: updated peer=%s ts=%d peers_count=%d", hb.Peer, hb.Ts, n.Directory.Len())
	default:
		log.Debugf("gossip: older heartbeat from %s (ts=%d <= existing=%d)", hb.Peer, hb.Ts, prev)
	}
}

// handleDiscovery processes a peer seen on the local network: its address
// seeds the DHT routing table, and the sighting itself counts as proof of
// life right now. The liveness write is deliberately unconditional, matching
// the long-standing behavior of this protocol: a discovery event may move a
// peer's timestamp backwards past a newer gossip-learned value.
func (n *Node) handleDiscovery(peer string, addr string) {
	n.DHT.AddAddress(peer, addr)

	now := n.nowUnix()
	known := n.Directory.Has(peer)
	n.Directory.InsertUnconditional(peer, now)

	if !known {
		log.Infof("discovery: discovered peer via local network: %s addr=%s peers_count=%d", peer, addr, n.Directory.Len())
	} else {
		log.Debugf("discovery: seen known peer via local network: %s addr=%s", peer, addr)
	}
}

// handleLookupResult merges a completed DHT lookup. Missing records and
// unparsable values are expected for peers learned only via gossip whose own
// heartbeat has not written a record yet.
func (n *Node) handleLookupResult(ev lookupEvent) {
	if ev.err != nil {
		log.Debugf("anti-entropy: lookup for %s failed: %v", ev.peer, ev.err)
		return
	}

	ts, err := strconv.ParseUint(string(ev.value), 10, 64)
	if err != nil {
		log.Debugf("anti-entropy: record for %s has unparsable value %q: %v", ev.peer, ev.value, err)
		return
	}

	if n.Directory.Merge(ev.peer, ts) {
		log.Infof("anti-entropy: merged peer=%s ts=%d peers_count=%d", ev.peer, ts, n.Directory.Len())
	}
}

// handleAntiEntropyTick re-queries the DHT for every known peer and then
// prunes entries whose liveness has expired. Lookups resolve asynchronously
// as lookupEvents; pruning does not wait for them.
func (n *Node) handleAntiEntropyTick(ctx context.Context) {
	for peer := range n.Directory.Snapshot() {
		go func(peer string) {
			value, err := n.DHT.Lookup(ctx, protocol.RecordKey(peer))
			n.enqueue(ctx, lookupEvent{peer: peer, value: value, err: err})
		}(peer)
	}

	now := n.nowUnix()
	removed := n.Directory.Prune(now, n.peerTTL)
	for peer, lastSeen := range removed {
		log.Infof("peer lost: %s last_seen=%d peers_count_after=%d", peer, lastSeen, n.Directory.Len())
	}
	if len(removed) > 0 {
		log.Infof("peers pruned: removed=%d remaining=%d", len(removed), n.Directory.Len())
	}
}
