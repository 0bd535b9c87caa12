package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidPeerAddress = errors.New("invalid peer address")

// Node is one member of the mesh: a listener, the peer registry, the
// directory mirror and every live session.
type Node struct {
	cfg      *Config
	id       string
	listener net.Listener
	registry *PeerRegistry
	mirror   *Mirror
	display  Display
	watch    WatchSource

	mu       sync.Mutex
	sessions map[*Peer]struct{}
	wg       sync.WaitGroup
}

type NodeOption func(*Node)

// WithWatchSource replaces the fsnotify watcher on the data directory.
func WithWatchSource(src WatchSource) NodeOption {
	return func(n *Node) { n.watch = src }
}

// WithIdentity fixes the node identity instead of generating one.
func WithIdentity(id string) NodeOption {
	return func(n *Node) { n.id = id }
}

// NewNode validates cfg, prepares the data directory and starts listening.
// Nothing is accepted until Run is called.
func NewNode(cfg *Config, display Display, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		registry: NewPeerRegistry(),
		display:  display,
		sessions: make(map[*Peer]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.id == "" {
		n.id = GenerateIdentity()
	}
	if !validIdentity(n.id) {
		return nil, fmt.Errorf("invalid node identity %q", n.id)
	}

	mirror, err := NewMirror(cfg.Node.DataDir, cfg.Mirror.EchoWindow.Duration, cfg.Session.MaxLineBytes, n.registry)
	if err != nil {
		return nil, err
	}
	n.mirror = mirror

	if n.watch == nil {
		src, err := NewFSWatchSource(cfg.Node.DataDir)
		if err != nil {
			return nil, err
		}
		n.watch = src
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		n.watch.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	n.listener = listener

	return n, nil
}

func (n *Node) ID() string { return n.id }

// Addr is the address the node accepts connections on.
func (n *Node) Addr() net.Addr { return n.listener.Addr() }

func (n *Node) Registry() *PeerRegistry { return n.registry }

func (n *Node) Mirror() *Mirror { return n.mirror }

// Port is the TCP port actually bound, useful when the configured port is 0.
func (n *Node) Port() int {
	if addr, ok := n.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return n.cfg.Node.Port
}

// Run accepts connections and mirrors the data directory until ctx is
// cancelled. All sessions are closed before it returns.
func (n *Node) Run(ctx context.Context) error {
	log.Info().Str("id", n.id).Str("addr", n.listener.Addr().String()).Str("dir", n.mirror.Dir()).
		Msg("node listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.acceptLoop(ctx) })
	g.Go(func() error { return n.mirror.Watch(ctx, n.watch) })
	if n.cfg.Discovery.Enabled {
		d := NewDiscovery(n, n.cfg.Discovery)
		g.Go(func() error { return d.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		n.listener.Close()
		n.watch.Close()
		n.closeSessions()
		return nil
	})

	err := g.Wait()
	n.wg.Wait()
	log.Info().Str("id", n.id).Msg("node shut down")
	return err
}

func (n *Node) acceptLoop(ctx context.Context) error {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("accept error")
			continue
		}

		log.Debug().Str("addr", conn.RemoteAddr().String()).Msg("incoming connection")
		n.startSession(conn, false, "")
	}
}

// Connect dials addr ("host:port" or "host:port/identity") and starts an
// outbound session.
func (n *Node) Connect(ctx context.Context, addr string) error {
	hostport, hint, err := ParsePeerAddress(addr)
	if err != nil {
		return err
	}
	if hint == n.id {
		return fmt.Errorf("%w: %s is this node", ErrInvalidPeerAddress, addr)
	}
	if hint != "" {
		if _, ok := n.registry.Lookup(hint); ok {
			log.Info().Str("peer", hint).Msg("already connected")
			return nil
		}
	}

	log.Info().Str("addr", hostport).Msg("connecting to peer")
	dialer := net.Dialer{Timeout: n.cfg.Session.DialTimeout.Duration}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", hostport, err)
	}

	n.startSession(conn, true, hint)
	return nil
}

// SendChat broadcasts body as a chat line from this node.
func (n *Node) SendChat(body string) BroadcastReport {
	return n.registry.Broadcast(ChatMessage(n.id, body), "")
}

func (n *Node) startSession(conn net.Conn, outbound bool, hint string) {
	s := newSession(n, conn, outbound, hint)

	n.mu.Lock()
	n.sessions[s.peer] = struct{}{}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			delete(n.sessions, s.peer)
			n.mu.Unlock()
		}()
		s.run()
	}()
}

func (n *Node) closeSessions() {
	n.mu.Lock()
	peers := make([]*Peer, 0, len(n.sessions))
	for p := range n.sessions {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// ParsePeerAddress splits "host:port" or "host:port/identity".
func ParsePeerAddress(addr string) (hostport, identity string, err error) {
	addr = strings.TrimSpace(addr)
	hostport, identity, _ = strings.Cut(addr, "/")

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidPeerAddress, addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return "", "", fmt.Errorf("%w: %q: bad port", ErrInvalidPeerAddress, addr)
	}
	if identity != "" && !validIdentity(identity) {
		return "", "", fmt.Errorf("%w: %q: bad identity", ErrInvalidPeerAddress, addr)
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), identity, nil
}
