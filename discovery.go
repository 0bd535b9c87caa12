package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

const discoveryTag = "MESHMIRROR"

// Discovery announces the node on a LAN multicast group and dials peers it
// hears about. Only the side with the lower identity dials, so two nodes
// that hear each other open a single connection.
type Discovery struct {
	node     *Node
	group    string
	interval time.Duration

	mu     sync.Mutex
	dialed map[string]time.Time
}

func NewDiscovery(n *Node, cfg DiscoveryConfig) *Discovery {
	return &Discovery{
		node:     n,
		group:    cfg.Group,
		interval: cfg.Interval.Duration,
		dialed:   make(map[string]time.Time),
	}
}

// Run announces and listens until ctx is done. Failing to join the group
// disables discovery but is not fatal to the node.
func (d *Discovery) Run(ctx context.Context) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", d.group)
	if err != nil {
		log.Warn().Str("group", d.group).Err(err).Msg("discovery disabled")
		return nil
	}

	// ListenMulticastUDP sets SO_REUSEADDR so several nodes on one host can
	// share the group port; it joins on the default interface.
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		log.Warn().Str("group", d.group).Err(err).Msg("discovery disabled")
		return nil
	}

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast == 0 || ifaces[i].Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: groupAddr.IP}); err == nil {
			joined++
		}
	}
	pc.SetMulticastTTL(1)
	pc.SetMulticastLoopback(true)

	log.Info().Str("group", d.group).Int("extra_interfaces", joined).Msg("auto-discovery enabled")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go d.announce(ctx, conn, groupAddr)

	d.listen(ctx, conn)
	return nil
}

func (d *Discovery) announce(ctx context.Context, conn *net.UDPConn, group *net.UDPAddr) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	payload := []byte(fmt.Sprintf("%s|%s|%d", discoveryTag, d.node.id, d.node.Port()))
	for {
		if _, err := conn.WriteToUDP(payload, group); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Msg("discovery announce failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Discovery) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Msg("discovery read error")
			continue
		}

		id, port, ok := parseAnnouncement(string(buf[:n]))
		if !ok {
			continue
		}
		d.handle(ctx, id, net.JoinHostPort(from.IP.String(), strconv.Itoa(port)))
	}
}

func (d *Discovery) handle(ctx context.Context, id, addr string) {
	if !d.shouldDial(id) {
		return
	}

	log.Info().Str("peer", id).Str("addr", addr).Msg("auto-discovered peer")
	go func() {
		if err := d.node.Connect(ctx, addr+"/"+id); err != nil {
			log.Warn().Str("peer", id).Err(err).Msg("auto-connect failed")
		}
	}()
}

func (d *Discovery) shouldDial(id string) bool {
	if id == d.node.id || id < d.node.id {
		return false
	}
	if _, ok := d.node.registry.Lookup(id); ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.dialed[id]; ok && now.Sub(last) < 2*d.interval {
		return false
	}
	d.dialed[id] = now
	return true
}

func parseAnnouncement(msg string) (id string, port int, ok bool) {
	parts := strings.Split(msg, "|")
	if len(parts) != 3 || parts[0] != discoveryTag || !validIdentity(parts[1]) {
		return "", 0, false
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	return parts[1], port, true
}
