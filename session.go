package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

type sessionState int

const (
	stateHandshaking sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// Session runs the protocol for one connection. All state is owned by the
// reader goroutine; the writer goroutine only drains the peer's queue.
type Session struct {
	node  *Node
	peer  *Peer
	hint  string
	state sessionState
}

func newSession(n *Node, conn net.Conn, outbound bool, hint string) *Session {
	// Provisional name until the remote identifies itself.
	placeholder := GenerateIdentity()
	return &Session{
		node: n,
		peer: NewPeer(conn, placeholder, outbound, n.cfg.Session.SendQueue),
		hint: hint,
	}
}

func (s *Session) run() {
	defer s.teardown()

	conn := s.peer.Conn
	go s.writeLoop()

	if s.peer.Outbound {
		s.send(ConnectMessage(s.node.id))
	}
	if timeout := s.node.cfg.Session.HandshakeTimeout.Duration; timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}

	lines := newLineReader(conn, s.node.cfg.Session.MaxLineBytes)
	var err error
	for {
		var line []byte
		line, err = lines.next()
		if errors.Is(err, ErrLineTooLong) {
			log.Warn().Str("peer", s.peer.ID()).Int("max_bytes", s.node.cfg.Session.MaxLineBytes).
				Msg("discarding over-long line")
			continue
		}
		if err != nil {
			break
		}
		s.handleLine(string(line))
		if s.state == stateClosed {
			return
		}
	}

	select {
	case <-s.peer.Done():
		return
	default:
	}
	var netErr net.Error
	switch {
	case err == nil || errors.Is(err, io.EOF):
	case s.state == stateHandshaking && errors.As(err, &netErr) && netErr.Timeout():
		log.Warn().Str("addr", conn.RemoteAddr().String()).Msg("handshake timed out")
	default:
		log.Error().Str("peer", s.peer.ID()).Err(err).Msg("connection error")
	}
}

func (s *Session) writeLoop() {
	conn := s.peer.Conn
	w := bufio.NewWriter(conn)
	timeout := s.node.cfg.Session.WriteTimeout.Duration

	for {
		select {
		case <-s.peer.Done():
			return
		case line := <-s.peer.send:
			if timeout > 0 {
				conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			w.Write(line)
			w.WriteByte('\n')
			if len(s.peer.send) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				select {
				case <-s.peer.Done():
				default:
					log.Error().Str("peer", s.peer.ID()).Err(err).Msg("write error")
					s.peer.Close()
				}
				return
			}
		}
	}
}

func (s *Session) teardown() {
	prev := s.state
	s.state = stateClosed
	released := s.node.registry.Release(s.peer)
	s.peer.Close()

	if prev == stateActive {
		log.Info().Str("peer", s.peer.ID()).Msg("disconnected from peer")
	}
	if released {
		s.node.display.System(fmt.Sprintf("Disconnected from peer %s", s.peer.ID()))
	}
}

func (s *Session) handleLine(line string) {
	msg, err := Decode(line)
	if err != nil {
		log.Warn().Str("peer", s.peer.ID()).Err(err).Msg("discarding line")
		return
	}

	if s.state == stateActive {
		s.dispatch(msg)
		return
	}

	if !s.peer.Outbound {
		if msg.Kind != KindConnect {
			log.Debug().Str("addr", s.peer.Conn.RemoteAddr().String()).Stringer("kind", msg.Kind).
				Msg("dropping message before handshake")
			return
		}
		if s.activate(msg.Identity) {
			s.dispatch(msg)
		}
		return
	}

	switch msg.Kind {
	case KindConnected:
		if s.activate(msg.Identity) {
			s.sendFileList()
		}
	case KindConnect:
		if s.activate(msg.Identity) {
			s.dispatch(msg)
		}
	default:
		id := s.hint
		if id == "" {
			id = s.peer.ID()
		}
		if s.activate(id) {
			s.sendFileList()
			s.dispatch(msg)
		}
	}
}

// activate registers the peer under id and moves the session to Active.
// It returns false if the session had to be closed instead.
func (s *Session) activate(id string) bool {
	if id == s.node.id {
		log.Warn().Str("addr", s.peer.Conn.RemoteAddr().String()).Msg("refusing connection to self")
		s.state = stateClosed
		return false
	}

	s.register(id)
	s.state = stateActive
	s.peer.Conn.SetReadDeadline(time.Time{})

	log.Info().Str("peer", id).Str("addr", s.peer.Conn.RemoteAddr().String()).Bool("outbound", s.peer.Outbound).
		Msg("connected with peer")
	s.node.display.System(fmt.Sprintf("Connected with peer %s", id))
	return true
}

func (s *Session) register(id string) {
	if p, ok := s.node.registry.Lookup(id); ok && p == s.peer {
		return
	}
	s.node.registry.Release(s.peer)
	if old := s.node.registry.Register(id, s.peer); old != nil {
		log.Info().Str("peer", id).Msg("replaced existing connection for peer")
	}
}

func (s *Session) dispatch(msg Message) {
	switch msg.Kind {
	case KindConnect:
		if msg.Identity == s.node.id {
			log.Warn().Msg("peer claims our own identity, closing")
			s.state = stateClosed
			return
		}
		s.register(msg.Identity)
		s.send(ConnectedMessage(s.node.id))
		s.sendFileList()

	case KindConnected:
		if msg.Identity != s.node.id {
			s.register(msg.Identity)
		}

	case KindFileList:
		for _, name := range msg.Names {
			if s.node.cfg.Mirror.SkipExisting && s.node.mirror.Has(name) {
				continue
			}
			log.Debug().Str("peer", s.peer.ID()).Str("file", name).Msg("requesting file")
			s.send(RequestFileMessage(name))
		}

	case KindRequestFile:
		content, err := s.node.mirror.Read(msg.FileName)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrFileTooLarge) {
				log.Error().Str("file", msg.FileName).Err(err).Msg("failed to read requested file")
			}
			return
		}
		log.Info().Str("peer", s.peer.ID()).Str("file", msg.FileName).Int("bytes", len(content)).Msg("sending file")
		s.send(DataMessage(msg.FileName, content))

	case KindData:
		if err := s.node.mirror.WriteFromNetwork(msg.FileName, msg.Payload); err != nil {
			log.Error().Str("peer", s.peer.ID()).Str("file", msg.FileName).Err(err).Msg("failed to store received file")
			return
		}
		log.Info().Str("peer", s.peer.ID()).Str("file", msg.FileName).Int("bytes", len(msg.Payload)).Msg("received file")

	case KindChat:
		s.node.display.Chat(msg.Sender, msg.Body)
	}
}

func (s *Session) send(m Message) {
	if err := s.peer.Send(m); err != nil {
		log.Warn().Str("peer", s.peer.ID()).Stringer("kind", m.Kind).Err(err).Msg("send failed")
	}
}

func (s *Session) sendFileList() {
	names, err := s.node.mirror.List()
	if err != nil {
		log.Error().Err(err).Msg("failed to list files")
		return
	}
	s.send(FileListMessage(names))
}
