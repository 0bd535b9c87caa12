package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

const helpText = `Commands:
  connect <host:port[/identity]>  Connect to a peer
  /peers                          List connected peers
  /files                          List mirrored files
  /help                           Show this help
Anything else is sent as chat to every connected peer.`

// RunCommandLoop reads operator lines from r until it is exhausted.
func (n *Node) RunCommandLoop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		n.HandleInput(ctx, scanner.Text())
	}
	return scanner.Err()
}

// HandleInput executes one operator line.
func (n *Node) HandleInput(ctx context.Context, input string) {
	input = strings.TrimRight(input, "\r\n")

	switch {
	case strings.TrimSpace(input) == "":
		return

	case strings.HasPrefix(input, "connect "):
		addr := strings.TrimSpace(strings.TrimPrefix(input, "connect "))
		go func() {
			if err := n.Connect(ctx, addr); err != nil {
				log.Error().Str("addr", addr).Err(err).Msg("connect failed")
				n.display.System(fmt.Sprintf("Cannot connect to %s: %v", addr, err))
			}
		}()

	case input == "/peers":
		n.listPeers()

	case input == "/files":
		n.listFiles()

	case input == "/help":
		n.display.System(helpText)

	default:
		report := n.SendChat(input)
		for id, err := range report.Failed {
			log.Warn().Str("peer", id).Err(err).Msg("chat not delivered")
		}
		n.display.Chat(n.id, input)
	}
}

func (n *Node) listPeers() {
	ids := n.registry.Identities()
	if len(ids) == 0 {
		n.display.System("No connected peers")
		return
	}

	var b strings.Builder
	b.WriteString("Connected peers:")
	for _, id := range ids {
		b.WriteString("\n  - " + id)
	}
	n.display.System(b.String())
}

func (n *Node) listFiles() {
	names, err := n.mirror.List()
	if err != nil {
		n.display.System(fmt.Sprintf("Cannot list files: %v", err))
		return
	}
	if len(names) == 0 {
		n.display.System("No mirrored files")
		return
	}
	n.display.System("Mirrored files:\n  - " + strings.Join(names, "\n  - "))
}
