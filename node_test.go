package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type chatLine struct {
	Sender string
	Body   string
}

type recordingDisplay struct {
	mu     sync.Mutex
	chat   []chatLine
	system []string
}

func (d *recordingDisplay) Chat(sender, body string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chat = append(d.chat, chatLine{sender, body})
}

func (d *recordingDisplay) System(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.system = append(d.system, text)
}

func (d *recordingDisplay) chats() []chatLine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chatLine(nil), d.chat...)
}

func (d *recordingDisplay) systemCount(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.system {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

type testNode struct {
	*Node
	display *recordingDisplay
	watch   *fakeWatchSource
}

func startTestNode(t *testing.T, dir string, tweak ...func(*Config)) *testNode {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 0
	cfg.Node.DataDir = dir
	cfg.Session.HandshakeTimeout = Duration{2 * time.Second}
	for _, f := range tweak {
		f(cfg)
	}

	display := &recordingDisplay{}
	src := newFakeWatchSource()
	n, err := NewNode(cfg, display, WithWatchSource(src))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("node did not shut down")
		}
	})

	return &testNode{Node: n, display: display, watch: src}
}

func (n *testNode) dialAddr() string {
	return n.Addr().String() + "/" + n.ID()
}

func (n *testNode) knows(id string) bool {
	_, ok := n.Registry().Lookup(id)
	return ok
}

// rawPeer speaks the line protocol directly over TCP.
type rawPeer struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr net.Addr) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn, r: bufio.NewReader(conn)}
}

func (p *rawPeer) send(t *testing.T, line string) {
	t.Helper()
	_, err := p.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *rawPeer) readMessage(t *testing.T) Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(waitFor)))
	line, err := p.r.ReadString('\n')
	require.NoError(t, err)
	msg, err := Decode(line)
	require.NoError(t, err, "node sent undecodable line %q", line)
	return msg
}

func (p *rawPeer) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := p.r.ReadString('\n')
	require.Error(t, err, "unexpected line %q", line)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "connection ended: %v", err)
}

// handshake identifies as id and returns the node's file list.
func (p *rawPeer) handshake(t *testing.T, n *testNode, id string) Message {
	t.Helper()
	p.send(t, "CONNECT "+id)
	assert.Equal(t, ConnectedMessage(n.ID()), p.readMessage(t))
	list := p.readMessage(t)
	require.Equal(t, KindFileList, list.Kind)
	return list
}

func TestNodeMirrorsExistingFilesOnConnect(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	bDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bDir, "hello.txt"), []byte("hi"), 0o644))
	b := startTestNode(t, bDir)

	require.NoError(t, a.Connect(context.Background(), b.Addr().String()))

	assert.Eventually(t, func() bool { return a.knows(b.ID()) && b.knows(a.ID()) }, waitFor, tick)
	assert.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(a.Mirror().Dir(), "hello.txt"))
		return err == nil && string(got) == "hi"
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return a.display.systemCount("Connected with peer "+b.ID()) == 1 &&
			b.display.systemCount("Connected with peer "+a.ID()) == 1
	}, waitFor, tick)
}

func TestNodeChatIsDeliveredButNotRelayed(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	b := startTestNode(t, t.TempDir())
	c := startTestNode(t, t.TempDir())

	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, b.dialAddr()))
	require.NoError(t, c.Connect(ctx, b.dialAddr()))
	require.Eventually(t, func() bool { return b.Registry().Len() == 2 && a.knows(b.ID()) && c.knows(b.ID()) }, waitFor, tick)

	a.HandleInput(ctx, "hello")

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]chatLine{{a.ID(), "hello"}}, b.display.chats())
	}, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, c.display.chats(), "chat must not be relayed past direct peers")
	assert.Equal(t, []chatLine{{a.ID(), "hello"}}, a.display.chats(), "only the local echo, nothing sent back")
}

func TestNodeBroadcastsLocalChangeOnce(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	peer := dialRaw(t, a.Addr())
	peer.handshake(t, a, "nlgrawpeer")

	// A file received from the network and then reported by the watcher is
	// not sent back out.
	peer.send(t, "DATA fromnet.txt aGk=")
	require.Eventually(t, func() bool { return a.Mirror().Has("fromnet.txt") }, waitFor, tick)
	a.watch.events <- WatchEvent{Kind: FileCreated, Path: filepath.Join(a.Mirror().Dir(), "fromnet.txt")}

	path := filepath.Join(a.Mirror().Dir(), "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("quarterly"), 0o644))
	a.watch.events <- WatchEvent{Kind: FileCreated, Path: path}

	assert.Equal(t, DataMessage("report.txt", []byte("quarterly")), peer.readMessage(t))
	peer.expectSilence(t, 300*time.Millisecond)
}

func TestNodeRequestFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "present.txt"), []byte("here"), 0o644))
	a := startTestNode(t, dir)

	peer := dialRaw(t, a.Addr())
	list := peer.handshake(t, a, "nlgrawpeer")
	assert.Equal(t, []string{"present.txt"}, list.Names)

	// Nothing is sent for a missing file, so the next line answers the
	// second request.
	peer.send(t, "REQUESTFILE nothere.txt")
	peer.send(t, "REQUESTFILE present.txt")
	assert.Equal(t, DataMessage("present.txt", []byte("here")), peer.readMessage(t))
	peer.expectSilence(t, 200*time.Millisecond)
}

func TestNodeFileListRequests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("mine"), 0o644))

	t.Run("requests every name", func(t *testing.T) {
		a := startTestNode(t, dir)
		peer := dialRaw(t, a.Addr())
		peer.handshake(t, a, "nlgrawpeer")

		peer.send(t, "FILELIST a.txt b.txt")
		assert.Equal(t, RequestFileMessage("a.txt"), peer.readMessage(t))
		assert.Equal(t, RequestFileMessage("b.txt"), peer.readMessage(t))
	})

	t.Run("skip existing", func(t *testing.T) {
		a := startTestNode(t, dir, func(c *Config) { c.Mirror.SkipExisting = true })
		peer := dialRaw(t, a.Addr())
		peer.handshake(t, a, "nlgrawpeer")

		peer.send(t, "FILELIST a.txt b.txt")
		assert.Equal(t, RequestFileMessage("b.txt"), peer.readMessage(t))
		peer.expectSilence(t, 200*time.Millisecond)
	})
}

func TestNodeRejectsTraversalAndKeepsSession(t *testing.T) {
	root := t.TempDir()
	a := startTestNode(t, filepath.Join(root, "data"))
	peer := dialRaw(t, a.Addr())
	peer.handshake(t, a, "nlgrawpeer")

	peer.send(t, "DATA ../secret aGk=")
	peer.send(t, "this line means nothing")
	peer.send(t, "DATA ok.txt aGk=")

	require.Eventually(t, func() bool { return a.Mirror().Has("ok.txt") }, waitFor, tick)
	_, err := os.Stat(filepath.Join(root, "secret"))
	assert.True(t, os.IsNotExist(err))
	assert.True(t, a.knows("nlgrawpeer"))
}

func smallLines(c *Config) { c.Session.MaxLineBytes = 1024 }

func TestNodeOversizedFileKeepsPeersConnected(t *testing.T) {
	a := startTestNode(t, t.TempDir(), smallLines)
	bDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bDir, "hello.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bDir, "big.bin"), make([]byte, 200<<10), 0o644))
	b := startTestNode(t, bDir, smallLines)

	require.NoError(t, a.Connect(context.Background(), b.dialAddr()))

	require.Eventually(t, func() bool { return a.knows(b.ID()) && b.knows(a.ID()) }, waitFor, tick)
	assert.Eventually(t, func() bool { return a.Mirror().Has("hello.txt") }, waitFor, tick)

	// A watcher report of the big file must not cut the link either.
	b.watch.events <- WatchEvent{Kind: FileModified, Path: filepath.Join(bDir, "big.bin")}
	assert.Never(t, func() bool { return !a.knows(b.ID()) || !b.knows(a.ID()) }, 300*time.Millisecond, tick)
	assert.False(t, a.Mirror().Has("big.bin"))
	assert.Equal(t, 0, a.display.systemCount("Disconnected"))
}

func TestNodeDiscardsOverlongLine(t *testing.T) {
	// The limit is below bufio's default 64 KiB buffer, so it has to be
	// enforced by the reader itself.
	a := startTestNode(t, t.TempDir(), smallLines)
	peer := dialRaw(t, a.Addr())
	peer.handshake(t, a, "nlgrawpeer")

	peer.send(t, "DATA huge.bin "+strings.Repeat("AAAA", 500))
	peer.send(t, "DATA ok.txt aGk=")

	require.Eventually(t, func() bool { return a.Mirror().Has("ok.txt") }, waitFor, tick)
	assert.False(t, a.Mirror().Has("huge.bin"))
	assert.True(t, a.knows("nlgrawpeer"))
}

func TestNodeIgnoresTrafficBeforeConnect(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	peer := dialRaw(t, a.Addr())

	peer.send(t, "DATA early.txt aGk=")
	peer.send(t, "nlgrawpeer: too soon")
	peer.handshake(t, a, "nlgrawpeer")
	peer.send(t, "DATA late.txt aGk=")

	require.Eventually(t, func() bool { return a.Mirror().Has("late.txt") }, waitFor, tick)
	assert.False(t, a.Mirror().Has("early.txt"))
	assert.Empty(t, a.display.chats())
}

func TestNodeHandshakeTimeout(t *testing.T) {
	a := startTestNode(t, t.TempDir(), func(c *Config) {
		c.Session.HandshakeTimeout = Duration{200 * time.Millisecond}
	})
	peer := dialRaw(t, a.Addr())

	require.NoError(t, peer.conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := peer.r.ReadString('\n')
	assert.Error(t, err, "silent connection must be closed")
	assert.Equal(t, 0, a.Registry().Len())
}

func TestNodeReplacesDuplicateIdentity(t *testing.T) {
	a := startTestNode(t, t.TempDir())

	first := dialRaw(t, a.Addr())
	first.handshake(t, a, "nlgdup")
	second := dialRaw(t, a.Addr())
	second.handshake(t, a, "nlgdup")
	assert.Equal(t, 1, a.Registry().Len())

	// Closing the stale connection leaves the newer one registered.
	first.conn.Close()
	assert.Never(t, func() bool { return !a.knows("nlgdup") }, 300*time.Millisecond, tick)

	second.conn.Close()
	assert.Eventually(t, func() bool { return a.Registry().Len() == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return a.display.systemCount("Disconnected from peer nlgdup") == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, a.display.systemCount("Disconnected from peer nlgdup"))
}

func TestNodeOutboundFallsBackToAddressIdentity(t *testing.T) {
	a := startTestNode(t, t.TempDir())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, a.Connect(context.Background(), ln.Addr().String()+"/nlgplain"))
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	peer := &rawPeer{conn: conn, r: bufio.NewReader(conn)}

	assert.Equal(t, ConnectMessage(a.ID()), peer.readMessage(t))

	// A peer that never acknowledges still gets mirrored and chatted with.
	peer.send(t, "nlgplain: hi there")
	assert.Equal(t, KindFileList, peer.readMessage(t).Kind)
	assert.Eventually(t, func() bool { return a.knows("nlgplain") }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(a.display.chats()) == 1 }, waitFor, tick)
	assert.Equal(t, chatLine{"nlgplain", "hi there"}, a.display.chats()[0])
}

func TestNodeRefusesSelf(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	ctx := context.Background()

	assert.ErrorIs(t, a.Connect(ctx, a.dialAddr()), ErrInvalidPeerAddress)

	require.NoError(t, a.Connect(ctx, a.Addr().String()))
	assert.Never(t, func() bool { return a.Registry().Len() > 0 }, 300*time.Millisecond, tick)
}

func TestNodeConnectFailures(t *testing.T) {
	a := startTestNode(t, t.TempDir())
	ctx := context.Background()

	assert.ErrorIs(t, a.Connect(ctx, "nonsense"), ErrInvalidPeerAddress)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	assert.ErrorContains(t, a.Connect(ctx, addr), "failed to connect")
}

func TestParsePeerAddress(t *testing.T) {
	tests := []struct {
		in       string
		hostport string
		identity string
		wantErr  bool
	}{
		{in: "localhost:4001", hostport: "localhost:4001"},
		{in: "127.0.0.1:4001/nlgabc", hostport: "127.0.0.1:4001", identity: "nlgabc"},
		{in: ":4001", hostport: "localhost:4001"},
		{in: "  [::1]:4001  ", hostport: "[::1]:4001"},
		{in: "localhost", wantErr: true},
		{in: "localhost:0", wantErr: true},
		{in: "localhost:70000", wantErr: true},
		{in: "localhost:port", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		hostport, identity, err := ParsePeerAddress(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPeerAddress, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.hostport, hostport, tt.in)
		assert.Equal(t, tt.identity, identity, tt.in)
	}
}
