// Package realtime carries signaling without a relay server: signal
// envelopes and presence ride libp2p gossipsub topics, one pair of topics
// per room, with mDNS discovering peers on the local network. Media never
// touches this layer either; it only replaces the relay as the signaling
// transport.
package realtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/taskvision/meet/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors go
	// to stderr by default and pollute terminal output.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
}

// Node is the long-lived libp2p side of p2p signaling: one host and one
// gossipsub router, shared by every room joined during the process lifetime.
//
// Topic handles are cached forever: gossipsub allows only one handle per
// topic per host, and rooms get rejoined when the user switches back.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// NewNode starts a libp2p host on the given TCP port (0 picks a free one)
// and attaches a gossipsub router. An empty mdnsTag disables LAN discovery;
// peers can still be reached through Connect.
func NewNode(ctx context.Context, listenPort int, keyFile, mdnsTag string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", keyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	var md mdns.Service
	if mdnsTag != "" {
		md = mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			// A sandboxed or multicast-less network is still usable with
			// explicit peering, so discovery failure is not fatal.
			log.Printf("P2P: mDNS unavailable, LAN discovery disabled: %v", err)
			md = nil
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		if md != nil {
			_ = md.Close()
		}
		_ = h.Close()
		return nil, err
	}

	n := &Node{host: h, ps: ps, mdns: md, topics: map[string]*pubsub.Topic{}}
	log.Printf("P2P: host %s listening on %v", n.ID(), n.AddrStrings())
	return n, nil
}

// topic returns the cached handle for a pubsub topic, joining it on first
// use.
func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// ID returns the host's libp2p peer id. This is the transport identity, not
// the application peer id used in rooms.
func (n *Node) ID() string { return n.host.ID().String() }

// AddrStrings returns the host's listen addresses with the /p2p/ component
// appended, ready to hand to Connect on another node.
func (n *Node) AddrStrings() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// Connect dials a peer by full multiaddr ("/ip4/.../tcp/.../p2p/<id>").
// Used for startup peering with configured peers and wherever mDNS cannot
// reach.
func (n *Node) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("peer addr %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return fmt.Errorf("peer addr %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *pi); err != nil {
		return fmt.Errorf("connect %s: %w", pi.ID, err)
	}
	return nil
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.host.Close()
}
