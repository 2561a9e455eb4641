// Package node ties the membership subsystem together: one coordinating
// event loop drives the heartbeat publisher, the gossip and discovery
// ingests, and the anti-entropy reconciler, all of which converge on the
// shared membership directory.
package node

import (
	"errors"
	"fmt"
	"net"
	"time"

	"huddle/config"
	"huddle/dht"
	"huddle/directory"
	"huddle/net/gossip"
	"huddle/net/recordrpc"
	"huddle/peerid"

	log "github.com/sirupsen/logrus"
)

const eventBacklog = 128

type Node struct {
	ID *peerid.ID

	Directory *directory.Directory
	PubSub    *gossip.PubSub
	DHT       *dht.DHT

	RecordServer *recordrpc.Server
	httpListener net.Listener

	// Gossip topic carrying heartbeats.
	topic string

	heartbeatEvery   time.Duration
	antiEntropyEvery time.Duration
	peerTTL          uint64 // seconds

	// Record-RPC address other peers should dial.
	recordAddr string

	events chan event

	// Injected clock, epoch seconds.
	nowUnix func() uint64
}

func New(cfg *config.Config, dir *directory.Directory, ps *gossip.PubSub, d *dht.DHT, recordSrv *recordrpc.Server, httpListener net.Listener) (*Node, error) {
	id, err := cfg.PeerID()
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:               id,
		Directory:        dir,
		PubSub:           ps,
		DHT:              d,
		RecordServer:     recordSrv,
		httpListener:     httpListener,
		topic:            cfg.Membership.Topic,
		heartbeatEvery:   time.Duration(cfg.Membership.IntervalSeconds) * time.Second,
		antiEntropyEvery: time.Duration(cfg.Membership.AntiEntropySeconds) * time.Second,
		peerTTL:          cfg.PeerTTLSeconds(),
		events:           make(chan event, eventBacklog),
		nowUnix:          func() uint64 { return uint64(time.Now().Unix()) },
	}

	if cfg.Network.RecordAdvertisedAddress != "" {
		n.recordAddr = cfg.Network.RecordAdvertisedAddress
	} else {
		addr, err := advertisedAddr(recordSrv.Addr())
		if err != nil {
			return nil, err
		}
		n.recordAddr = addr
	}

	log.Infof("I am %s, records on %s, topic %q, heartbeat=%s anti-entropy=%s ttl=%ds",
		n.ID.String(), n.recordAddr, n.topic, n.heartbeatEvery, n.antiEntropyEvery, n.peerTTL)

	return n, nil
}

// advertisedAddr resolves a listen address into something other nodes can
// dial: a wildcard IP is replaced by the first non-loopback interface
// address, keeping the bound port.
func advertisedAddr(listen net.Addr) (string, error) {
	tcpAddr, ok := listen.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected listener address type %T", listen)
	}

	if !tcpAddr.IP.IsUnspecified() {
		return tcpAddr.String(), nil
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return (&net.TCPAddr{IP: ip4, Port: tcpAddr.Port}).String(), nil
		}
	}

	return "", errors.New("no non-loopback addresses found")
}
