package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"huddle/config"
)

// RunInfo prints the local identity and, when a node is running, the
// directory it currently holds, via the introspection endpoint.
func RunInfo(ctx context.Context, cfg *config.Config) {
	cfg.ApplyEnv()

	id, err := cfg.PeerID()
	if err != nil {
		log.Fatalf("Failed to derive peer ID: %v", err)
	}
	log.Infof("Peer ID: %s", id.String())
	log.Infof("Topic: %s, heartbeat=%ds, anti-entropy=%ds, ttl=%ds",
		cfg.Membership.Topic, cfg.Membership.IntervalSeconds, cfg.Membership.AntiEntropySeconds, cfg.PeerTTLSeconds())

	url := fmt.Sprintf("http://127.0.0.1:%d/peers", cfg.Membership.HTTPPort)
	client := &http.Client{Timeout: 3 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}

	res, err := client.Do(req)
	if err != nil {
		log.Warnf("No running node reachable at %s: %v", url, err)
		return
	}
	defer res.Body.Close()

	var peers map[string]uint64
	if err := json.NewDecoder(res.Body).Decode(&peers); err != nil {
		log.Errorf("Failed to decode /peers response: %v", err)
		return
	}

	log.Infof("Directory: %d peers known", len(peers))
	now := uint64(time.Now().Unix())
	for peer, lastSeen := range peers {
		age := int64(now) - int64(lastSeen)
		log.Infof("Peer: %s, last seen: %d (%ds ago)", peer, lastSeen, age)
	}
}
