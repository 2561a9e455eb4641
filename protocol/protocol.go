// Package protocol defines the wire types exchanged between huddle nodes.
// Heartbeats travel over the gossip topic and, redundantly, as DHT records;
// announcements travel over the internal discovery topic; the record types
// frame the record-exchange RPC.
package protocol

import (
	"fmt"

	"huddle/peerid"
)

// RecordKeyPrefix prefixes every liveness record key in the DHT.
const RecordKeyPrefix = "peer:"

// DiscoveryTopic carries peer announcements. It is internal to huddle and not
// configurable, unlike the heartbeat topic.
const DiscoveryTopic = "huddle/discovery"

// Heartbeat is a self-liveness announcement: "peer was alive at ts".
// Field names are part of the wire contract and round-trip exactly.
type Heartbeat struct {
	Peer string `cbor:"peer" json:"peer"`
	Ts   uint64 `cbor:"ts" json:"ts"`
}

// Announcement advertises a peer's record-RPC address on the local network.
// The peer ID travels in its binary form; an announcement whose ID fails to
// decode is dropped by the subscriber.
type Announcement struct {
	Peer *peerid.ID `cbor:"peer"`
	Addr string     `cbor:"addr"`
}

// RecordKey builds the DHT key under which a peer's liveness record lives.
func RecordKey(peer string) string {
	return fmt.Sprintf("%s%s", RecordKeyPrefix, peer)
}

// Record RPC operations.
const (
	RecordOpStore = 1
	RecordOpFetch = 2
)

// RecordRequest asks a remote node to store or fetch a record.
type RecordRequest struct {
	Op    int    `cbor:"1,keyasint"`
	Key   string `cbor:"2,keyasint"`
	Value []byte `cbor:"3,keyasint,omitempty"`
	Ts    uint64 `cbor:"4,keyasint,omitempty"` // store-level version, newest wins
}

// RecordResponse answers a RecordRequest. Err is empty on success; Found is
// meaningful only for fetches.
type RecordResponse struct {
	Found bool   `cbor:"1,keyasint,omitempty"`
	Value []byte `cbor:"2,keyasint,omitempty"`
	Ts    uint64 `cbor:"3,keyasint,omitempty"`
	Err   string `cbor:"4,keyasint,omitempty"`
}
