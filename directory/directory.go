// Package directory holds the merged view of which peers are alive and when
// they were last seen. Every ingest path (gossip, local discovery, DHT
// anti-entropy) funnels into it; conflicts resolve last-writer-wins by the
// greatest liveness timestamp.
package directory

import "sync"

// Directory maps peer IDs to last-seen epoch seconds. All methods are safe
// for concurrent use. The lock is only ever held for the map update itself,
// never across I/O.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]uint64
}

func New() *Directory {
	return &Directory{
		peers: make(map[string]uint64),
	}
}

// Merge records ts for peer if it is newer than what is stored, or if the
// peer is unknown. Returns whether the stored value changed.
func (d *Directory) Merge(peer string, ts uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, known := d.peers[peer]
	if known && ts <= prev {
		return false
	}
	d.peers[peer] = ts
	return true
}

// Has reports whether the peer is currently known.
func (d *Directory) Has(peer string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.peers[peer]
	return ok
}

// Get returns the stored last-seen timestamp for peer.
func (d *Directory) Get(peer string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ts, ok := d.peers[peer]
	return ts, ok
}

// InsertUnconditional overwrites the stored timestamp regardless of what was
// there before. Only the local-discovery path uses this: a discovery event is
// taken as proof of life at the current instant, even when that moves the
// timestamp backwards relative to a gossip-learned value.
func (d *Directory) InsertUnconditional(peer string, ts uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peer] = ts
}

// Snapshot returns a point-in-time copy of the directory.
func (d *Directory) Snapshot() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]uint64, len(d.peers))
	for peer, ts := range d.peers {
		out[peer] = ts
	}
	return out
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Prune removes every peer whose last-seen timestamp is older than ttl
// seconds relative to now. The boundary is strict: a peer seen exactly ttl
// seconds ago survives. Returns the removed peers and their last-seen times.
func (d *Directory) Prune(now uint64, ttl uint64) map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed map[string]uint64
	for peer, ts := range d.peers {
		// Guard against clocks behind ours: a future ts is never stale.
		if ts >= now {
			continue
		}
		if now-ts > ttl {
			if removed == nil {
				removed = make(map[string]uint64)
			}
			removed[peer] = ts
			delete(d.peers, peer)
		}
	}
	return removed
}
