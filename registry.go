package main

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// PeerRegistry maps peer identities to live connections. It is the only
// place the set of connected peers is kept.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*Peer)}
}

// Register stores p under id, replacing any previous connection for id.
// The replaced peer is returned (nil if none) but not closed.
func (r *PeerRegistry) Register(id string, p *Peer) *Peer {
	p.setID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.peers[id]
	r.peers[id] = p
	if old == p {
		return nil
	}
	return old
}

// Unregister removes id. Removing an absent id is a no-op.
func (r *PeerRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Release removes p from the registry if it is still the connection
// registered under its identity, and reports whether it was.
func (r *PeerRegistry) Release(p *Peer) bool {
	id := p.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.peers[id] != p {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *PeerRegistry) Lookup(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Identities returns the registered identities in sorted order.
func (r *PeerRegistry) Identities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// BroadcastReport is the outcome of one Broadcast call.
type BroadcastReport struct {
	Delivered []string
	Failed    map[string]error
}

// Broadcast encodes m once and queues it for every registered peer except
// exclude. A failing peer never prevents delivery to the others; failures
// are collected in the report.
func (r *PeerRegistry) Broadcast(m Message, exclude string) BroadcastReport {
	report := BroadcastReport{Failed: make(map[string]error)}

	line, err := Encode(m)
	if err != nil {
		report.Failed[""] = err
		return report
	}

	type target struct {
		id   string
		peer *Peer
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.peers))
	for id, p := range r.peers {
		if id != exclude {
			targets = append(targets, target{id, p})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.peer.Enqueue([]byte(line)); err != nil {
			log.Warn().Str("peer", t.id).Stringer("kind", m.Kind).Err(err).Msg("broadcast delivery failed")
			report.Failed[t.id] = err
			continue
		}
		report.Delivered = append(report.Delivered, t.id)
	}
	sort.Strings(report.Delivered)
	return report
}
