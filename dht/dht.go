// Package dht provides huddle's shared record layer: every node hosts
// records in a local store and replicates its own writes to the peers whose
// addresses it has learned through discovery. Lookups consult the local store
// first and then ask known peers, so a record written by any reachable node
// is eventually retrievable by all of them.
package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"huddle/dht/recordstore"
	"huddle/net/recordrpc"
	"huddle/protocol"

	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const callTimeout = 5 * time.Second

var ErrNotFound = errors.New("no peer has the record")

type DHT struct {
	self  string
	store *recordstore.Store

	mu      sync.Mutex
	addrs   map[string]string // peer ID -> latest known record-RPC address
	clients map[string]*recordrpc.Client

	sf singleflight.Group
}

func New(self string, store *recordstore.Store) *DHT {
	return &DHT{
		self:    self,
		store:   store,
		addrs:   make(map[string]string),
		clients: make(map[string]*recordrpc.Client),
	}
}

// AddAddress registers the record-RPC address for a peer so that future
// lookups can reach it. Idempotent; a changed address replaces the old one.
func (d *DHT) AddAddress(peer string, addr string) {
	if peer == d.self {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, known := d.addrs[peer]
	if known && prev == addr {
		return
	}
	d.addrs[peer] = addr
	if cli, ok := d.clients[peer]; ok {
		cli.Close()
		delete(d.clients, peer)
	}
	log.Debugf("dht: address for %s is now %s", peer, addr)
}

// Addresses returns a snapshot of the routing table.
func (d *DHT) Addresses() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]string, len(d.addrs))
	for peer, addr := range d.addrs {
		out[peer] = addr
	}
	return out
}

func (d *DHT) client(peer string, addr string) (*recordrpc.Client, error) {
	d.mu.Lock()
	if cli, ok := d.clients[peer]; ok {
		d.mu.Unlock()
		return cli, nil
	}
	d.mu.Unlock()

	cli, err := recordrpc.Dial(addr)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.clients[peer]; ok {
		cli.Close()
		return existing, nil
	}
	d.clients[peer] = cli
	return cli, nil
}

func (d *DHT) dropClient(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cli, ok := d.clients[peer]; ok {
		cli.Close()
		delete(d.clients, peer)
	}
}

func (d *DHT) call(ctx context.Context, peer string, addr string, req *protocol.RecordRequest) (*protocol.RecordResponse, error) {
	cli, err := d.client(peer, addr)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	res, err := cli.Call(cctx, req)
	if err != nil {
		// The connection may be broken; redial on the next call.
		d.dropClient(peer)
		return nil, err
	}
	return res, nil
}

// PutRecord stores the record locally and replicates it best-effort to every
// peer in the routing table. Replication failures are logged and ignored; the
// periodic nature of the protocol retries them naturally.
func (d *DHT) PutRecord(ctx context.Context, key string, value []byte, ts uint64) error {
	if _, err := d.store.Put(key, &recordstore.Record{Value: value, Ts: ts}); err != nil {
		return err
	}

	req := &protocol.RecordRequest{
		Op:    protocol.RecordOpStore,
		Key:   key,
		Value: value,
		Ts:    ts,
	}
	for peer, addr := range d.Addresses() {
		if _, err := d.call(ctx, peer, addr, req); err != nil {
			log.Debugf("dht: replicating %q to %s @ %s failed: %v", key, peer, addr, err)
		}
	}

	return nil
}

// Lookup retrieves the value stored for key, consulting the local store first
// and then every peer in the routing table. The first hit wins. Concurrent
// lookups for the same key are collapsed into one.
func (d *DHT) Lookup(ctx context.Context, key string) ([]byte, error) {
	v, err, _ := d.sf.Do(key, func() (interface{}, error) {
		return d.lookup(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (d *DHT) lookup(ctx context.Context, key string) ([]byte, error) {
	if rec, err := d.store.Get(key); err == nil {
		return rec.Value, nil
	} else if !errors.Is(err, recordstore.ErrNotFound) {
		return nil, err
	}

	req := &protocol.RecordRequest{
		Op:  protocol.RecordOpFetch,
		Key: key,
	}
	for peer, addr := range d.Addresses() {
		res, err := d.call(ctx, peer, addr, req)
		if err != nil {
			log.Debugf("dht: fetching %q from %s @ %s failed: %v", key, peer, addr, err)
			continue
		}
		if !res.Found {
			continue
		}
		// Cache the fetched record so the next lookup is local.
		if _, err := d.store.Put(key, &recordstore.Record{Value: res.Value, Ts: res.Ts}); err != nil {
			log.Warnf("dht: caching fetched record %q failed: %v", key, err)
		}
		return res.Value, nil
	}

	return nil, ErrNotFound
}

// HandleRecord serves the hosting side of the record protocol.
func (d *DHT) HandleRecord(req *protocol.RecordRequest) *protocol.RecordResponse {
	switch req.Op {
	case protocol.RecordOpStore:
		changed, err := d.store.Put(req.Key, &recordstore.Record{Value: req.Value, Ts: req.Ts})
		if err != nil {
			log.Errorf("dht: storing replicated record %q failed: %v", req.Key, err)
			return &protocol.RecordResponse{Err: err.Error()}
		}
		if changed {
			log.Debugf("dht: stored replicated record %q ts=%d", req.Key, req.Ts)
		}
		return &protocol.RecordResponse{}

	case protocol.RecordOpFetch:
		rec, err := d.store.Get(req.Key)
		if errors.Is(err, recordstore.ErrNotFound) {
			return &protocol.RecordResponse{Found: false}
		}
		if err != nil {
			log.Errorf("dht: fetching record %q failed: %v", req.Key, err)
			return &protocol.RecordResponse{Err: err.Error()}
		}
		return &protocol.RecordResponse{Found: true, Value: rec.Value, Ts: rec.Ts}

	default:
		log.Errorf("dht: unknown record op %d", req.Op)
		return &protocol.RecordResponse{Err: "unknown record op"}
	}
}

// Close releases all cached client connections.
func (d *DHT) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer, cli := range d.clients {
		cli.Close()
		delete(d.clients, peer)
	}
}
