package commands

import (
	"context"
	"fmt"
	"net"

	"huddle/config"
	"huddle/dht"
	"huddle/dht/recordstore"
	"huddle/directory"
	"huddle/net/gossip"
	"huddle/net/recordrpc"
	"huddle/node"
)

// RunServe wires up the membership subsystem and runs the node until the
// context is cancelled. Construction failures are fatal; everything after
// startup is handled inside the node.
func RunServe(ctx context.Context, cfg *config.Config) {
	cfg.ApplyEnv()

	id, err := cfg.PeerID()
	if err != nil {
		log.Fatalf("Failed to derive peer ID: %v", err)
	}

	// Multicast sockets shared by gossip and discovery
	psaddr, err := net.ResolveUDPAddr("udp", cfg.Network.MulticastAddress)
	if err != nil {
		log.Fatalf("Failed to resolve multicast address: %v", err)
	}

	rs, err := net.ListenMulticastUDP("udp4", nil, psaddr)
	if err != nil {
		log.Fatalf("Failed to create multicast listener: %v", err)
	}

	ws, err := net.DialUDP("udp4", nil, psaddr)
	if err != nil {
		log.Fatalf("Failed to create multicast writer: %v", err)
	}

	pubsub := gossip.New(rs, ws)

	// Record hosting: local store, DHT layer, RPC server
	store, err := recordstore.Open(cfg.DataStore.RecordPath)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}
	defer store.Close()

	d := dht.New(id.String(), store)
	defer d.Close()

	recordl, err := net.Listen("tcp4", cfg.Network.RecordListenAddress)
	if err != nil {
		log.Fatalf("Failed to create record-RPC listener: %v", err)
	}
	recordSrv := recordrpc.NewServer(recordl, d)

	log.Infof("Record-RPC server listening on %s", recordSrv.Addr())

	// Introspection endpoint. A port we cannot bind aborts startup.
	httpl, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Membership.HTTPPort))
	if err != nil {
		log.Fatalf("Failed to bind HTTP port %d: %v", cfg.Membership.HTTPPort, err)
	}

	n, err := node.New(cfg, directory.New(), pubsub, d, recordSrv, httpl)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Node stopped: %v", err)
	}
}
