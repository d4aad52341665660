package signaling

import (
	"context"
	"fmt"
	"log"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const gossipTopicPrefix = "signal/"

// gossipLoggers are the libp2p subsystems that report routine dial failures
// and backoff between LAN peers.
var gossipLoggers = []string{"swarm2", "pubsub"}

// GossipConfig configures a serverless relay over libp2p gossipsub.
type GossipConfig struct {
	ListenAddrs []string
	// Peers are full multiaddrs, including /p2p/<id>, dialed at start.
	Peers []string
	// MDNSTag enables LAN discovery when set.
	MDNSTag string
	// LogLevel sets libp2p's log level; empty means "error".
	LogLevel string
}

// GossipRelay runs signaling over libp2p gossipsub, so two clients on one
// network can call without any relay server.
type GossipRelay struct {
	host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	mu sync.Mutex
	// Topics stay joined for the relay's lifetime. A topic cannot be
	// closed until its cancelled subscriptions are processed, and a
	// second Join of the same name fails.
	topics map[string]*pubsub.Topic
}

// NewGossipRelay starts a libp2p host and joins the gossipsub network. The
// host lives until Close or until ctx is done.
func NewGossipRelay(ctx context.Context, cfg GossipConfig) (*GossipRelay, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "error"
	}
	for _, name := range gossipLoggers {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Printf("SIGNAL: libp2p log level %s=%s: %v", name, level, err)
		}
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}
	r := &GossipRelay{host: h, ps: ps, topics: make(map[string]*pubsub.Topic)}

	for _, addr := range cfg.Peers {
		if err := r.connect(ctx, addr); err != nil {
			log.Printf("SIGNAL: gossip peer %s: %v", addr, err)
		}
	}
	if cfg.MDNSTag != "" {
		r.mdns = mdns.NewMdnsService(h, cfg.MDNSTag, r)
		if err := r.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("mdns: %w", err)
		}
	}
	log.Printf("SIGNAL: gossip relay %s listening on %v", h.ID(), h.Addrs())
	return r, nil
}

func (r *GossipRelay) connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	return r.host.Connect(ctx, *info)
}

// HandlePeerFound connects to peers discovered over mDNS.
func (r *GossipRelay) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == r.host.ID() {
		return
	}
	if err := r.host.Connect(context.Background(), info); err != nil {
		log.Printf("SIGNAL: mdns peer %s: %v", info.ID, err)
	}
}

// Addrs returns the host's dialable addresses including its peer id.
func (r *GossipRelay) Addrs() []string {
	var out []string
	for _, a := range r.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, r.host.ID()))
	}
	return out
}

// Close leaves the network and stops the host.
func (r *GossipRelay) Close() error {
	if r.mdns != nil {
		_ = r.mdns.Close()
	}
	return r.host.Close()
}

// join returns the joined topic, joining it on first use. r.mu is held.
func (r *GossipRelay) join(topic string) (*pubsub.Topic, error) {
	if t, ok := r.topics[topic]; ok {
		return t, nil
	}
	t, err := r.ps.Join(gossipTopicPrefix + topic)
	if err != nil {
		return nil, err
	}
	r.topics[topic] = t
	return t, nil
}

type gossipSub struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	q      *queue
	once   sync.Once
}

func (r *GossipRelay) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	t, err := r.join(topic)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &gossipSub{sub: sub, cancel: cancel, q: newQueue()}
	go s.read(readCtx)
	return s, nil
}

func (r *GossipRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	t, err := r.join(topic)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	if err := t.Publish(ctx, payload); err != nil {
		return fmt.Errorf("gossip publish: %w", err)
	}
	return nil
}

func (s *gossipSub) read(ctx context.Context) {
	for {
		m, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		s.q.push(m.Data)
	}
}

func (s *gossipSub) Messages() <-chan []byte { return s.q.out }

func (s *gossipSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.q.close()
	})
	return nil
}
