package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"huddle/dht"
	"huddle/dht/recordstore"
	"huddle/directory"
	"huddle/net/gossip"
	"huddle/peerid"
	"huddle/protocol"

	"github.com/fxamacker/cbor/v2"
)

// testNode builds a node with a fixed clock and a DHT over an empty local
// store, enough to exercise every handler that does not publish datagrams.
func testNode(t *testing.T, now uint64) *Node {
	t.Helper()

	store, err := recordstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	id, err := peerid.Random()
	if err != nil {
		t.Fatal(err)
	}

	d := dht.New(id.String(), store)
	t.Cleanup(d.Close)

	return &Node{
		ID:        id,
		Directory: directory.New(),
		DHT:       d,
		peerTTL:   30,
		events:    make(chan event, eventBacklog),
		nowUnix:   func() uint64 { return now },
	}
}

func encodeHeartbeat(t *testing.T, peer string, ts uint64) []byte {
	t.Helper()
	data, err := cbor.Marshal(&protocol.Heartbeat{Peer: peer, Ts: ts})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// newLoopbackPubSub builds a pubsub whose writer sends to its own reader over
// a loopback UDP socket, so published messages can be observed via Listen.
func newLoopbackPubSub(t *testing.T) *gossip.PubSub {
	t.Helper()

	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	wc, err := net.DialUDP("udp4", nil, rc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		rc.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		rc.Close()
		wc.Close()
	})

	return gossip.New(rc, wc)
}

// waitForRecord polls the node's local record layer until the key holds the
// expected value; the heartbeat tick writes it from a goroutine.
func waitForRecord(t *testing.T, n *Node, key string, want string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		value, err := n.DHT.Lookup(context.Background(), key)
		if err == nil {
			if string(value) != want {
				t.Fatalf("record %q has value %q, want %q", key, value, want)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %q never appeared", key)
}

func TestHandleHeartbeatTickAnnouncesSelf(t *testing.T) {
	n := testNode(t, 1000)
	n.PubSub = newLoopbackPubSub(t)
	n.topic = "peers/test"
	n.recordAddr = "127.0.0.1:7000"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeats := make(chan []byte, 1)
	n.PubSub.Subscribe(n.topic, func(data []byte) { heartbeats <- data })
	go n.PubSub.Listen(ctx)

	n.handleHeartbeatTick(ctx)

	// The local view reflects the announcement immediately.
	self := n.ID.String()
	if ts, ok := n.Directory.Get(self); !ok || ts != 1000 {
		t.Fatalf("expected self entry at 1000, got %d (known=%t)", ts, ok)
	}

	// The heartbeat went out on the gossip topic and round-trips.
	select {
	case data := <-heartbeats:
		var hb protocol.Heartbeat
		if err := cbor.Unmarshal(data, &hb); err != nil {
			t.Fatal(err)
		}
		if hb.Peer != self || hb.Ts != 1000 {
			t.Fatalf("unexpected heartbeat on the wire: %+v", hb)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat never delivered")
	}

	// The durable record carries the timestamp as a decimal string.
	waitForRecord(t, n, protocol.RecordKey(self), "1000")
}

func TestHandleHeartbeatTickPublishFailureStillMerges(t *testing.T) {
	n := testNode(t, 2000)

	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rc.Close() })
	wc, err := net.DialUDP("udp4", nil, rc.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}

	// A closed writer makes every publish fail.
	wc.Close()

	n.PubSub = gossip.New(rc, wc)
	n.topic = "peers/test"
	n.recordAddr = "127.0.0.1:7000"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.handleHeartbeatTick(ctx)

	// Publish failures are non-fatal: the self merge and the record write
	// still happen.
	self := n.ID.String()
	if ts, ok := n.Directory.Get(self); !ok || ts != 2000 {
		t.Fatalf("publish failure skipped the self merge: %d (known=%t)", ts, ok)
	}
	waitForRecord(t, n, protocol.RecordKey(self), "2000")
}

func TestHandleGossipMerges(t *testing.T) {
	n := testNode(t, 1000)

	n.handleGossip(encodeHeartbeat(t, "p1", 100))
	if ts, ok := n.Directory.Get("p1"); !ok || ts != 100 {
		t.Fatalf("expected p1 at 100, got %d (known=%t)", ts, ok)
	}

	// Newer heartbeat updates, older one is a no-op.
	n.handleGossip(encodeHeartbeat(t, "p1", 200))
	n.handleGossip(encodeHeartbeat(t, "p1", 50))
	if ts, _ := n.Directory.Get("p1"); ts != 200 {
		t.Fatalf("expected p1 at 200, got %d", ts)
	}
}

func TestHandleGossipDropsForeignPayloads(t *testing.T) {
	n := testNode(t, 1000)

	n.handleGossip([]byte("definitely not cbor"))
	n.handleGossip(nil)
	n.handleGossip(encodeHeartbeat(t, "", 100))

	if n.Directory.Len() != 0 {
		t.Fatalf("malformed payloads changed the directory: %v", n.Directory.Snapshot())
	}
}

func TestHandleLookupResult(t *testing.T) {
	n := testNode(t, 1000)
	n.Directory.Merge("p1", 100)

	// Stale record from the DHT must not win.
	n.handleLookupResult(lookupEvent{peer: "p1", value: []byte("50")})
	if ts, _ := n.Directory.Get("p1"); ts != 100 {
		t.Fatalf("stale DHT record won: %d", ts)
	}

	// Newer record merges.
	n.handleLookupResult(lookupEvent{peer: "p1", value: []byte("150")})
	if ts, _ := n.Directory.Get("p1"); ts != 150 {
		t.Fatalf("newer DHT record did not merge: %d", ts)
	}

	// Unparsable values and lookup errors are no-ops.
	n.handleLookupResult(lookupEvent{peer: "p1", value: []byte("not a number")})
	n.handleLookupResult(lookupEvent{peer: "p1", err: dht.ErrNotFound})
	if ts, _ := n.Directory.Get("p1"); ts != 150 {
		t.Fatalf("no-op lookup result changed state: %d", ts)
	}
}

func TestHandleDiscoveryOverwritesBackwards(t *testing.T) {
	n := testNode(t, 150)

	n.Directory.Merge("p2", 200)
	n.handleDiscovery("p2", "10.0.0.2:7000")

	// Discovery is an unconditional write of the current time.
	if ts, _ := n.Directory.Get("p2"); ts != 150 {
		t.Fatalf("expected discovery to overwrite to 150, got %d", ts)
	}

	addrs := n.DHT.Addresses()
	if addrs["p2"] != "10.0.0.2:7000" {
		t.Fatalf("discovery did not seed the routing table: %v", addrs)
	}

	// Idempotent re-delivery.
	n.handleDiscovery("p2", "10.0.0.2:7000")
	if ts, _ := n.Directory.Get("p2"); ts != 150 {
		t.Fatalf("repeat discovery changed state unexpectedly: %d", ts)
	}
}

func TestHandleAntiEntropyUnknownKey(t *testing.T) {
	n := testNode(t, 1000)
	n.Directory.Merge("p1", 990)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.handleAntiEntropyTick(ctx)

	// The dispatched lookup finds no record anywhere and reports an error.
	select {
	case ev := <-n.events:
		lev, ok := ev.(lookupEvent)
		if !ok {
			t.Fatalf("unexpected event type %T", ev)
		}
		if lev.peer != "p1" || lev.err == nil {
			t.Fatalf("expected failed lookup for p1, got %+v", lev)
		}
		n.handleLookupResult(lev)
	case <-time.After(5 * time.Second):
		t.Fatal("no lookup result delivered")
	}

	// The directory entry is untouched.
	if ts, ok := n.Directory.Get("p1"); !ok || ts != 990 {
		t.Fatalf("unknown DHT key changed the entry: %d (known=%t)", ts, ok)
	}
}

func TestHandleAntiEntropyPrunes(t *testing.T) {
	n := testNode(t, 1000)
	n.Directory.Merge("fresh", 995)
	n.Directory.Merge("stale", 950) // 50s ago, ttl is 30

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.handleAntiEntropyTick(ctx)

	if !n.Directory.Has("fresh") {
		t.Fatal("fresh peer pruned")
	}
	if n.Directory.Has("stale") {
		t.Fatal("stale peer survived the prune")
	}
}

func TestHTTPPeers(t *testing.T) {
	dir := directory.New()
	dir.Merge("p1", 100)
	dir.Merge("p2", 200)

	h := NewHTTPHandler(dir)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/peers", nil))
	if rec.Code != 200 {
		t.Fatalf("GET /peers returned %d", rec.Code)
	}

	var peers map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || peers["p1"] != 100 || peers["p2"] != 200 {
		t.Fatalf("unexpected /peers body: %v", peers)
	}
}

func TestHTTPNotFound(t *testing.T) {
	h := NewHTTPHandler(directory.New())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/other", nil))
	if rec.Code != 404 {
		t.Fatalf("GET /other returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/peers", nil))
	if rec.Code != 404 {
		t.Fatalf("POST /peers returned %d", rec.Code)
	}
}
