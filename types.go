package main

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	ErrPeerClosed    = errors.New("peer connection closed")
	ErrSendQueueFull = errors.New("peer send queue full")
)

// Peer is the live connection to one remote node. Lines queued with Enqueue
// are written by the session's writer goroutine, so a stalled socket only
// ever blocks its own queue.
type Peer struct {
	Conn     net.Conn
	Outbound bool

	mu   sync.Mutex
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewPeer(conn net.Conn, id string, outbound bool, queueSize int) *Peer {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Peer{
		Conn:     conn,
		Outbound: outbound,
		id:       id,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// ID returns the identity the peer is currently known by.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Peer) setID(id string) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

// Enqueue hands one encoded line (without newline) to the writer. It never
// blocks: a full queue closes the peer.
func (p *Peer) Enqueue(line []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	select {
	case p.send <- line:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		p.Close()
		return fmt.Errorf("%w: %s", ErrSendQueueFull, p.ID())
	}
}

// Send encodes m and enqueues it.
func (p *Peer) Send(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	return p.Enqueue([]byte(line))
}

// Close shuts the connection down. Safe to call more than once.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.Conn.Close()
	})
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.ID(), p.Conn.RemoteAddr())
}
