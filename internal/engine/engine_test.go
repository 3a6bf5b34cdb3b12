package engine_test

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/config"
	"github.com/rudransh-shrivastava/lanchat/internal/engine"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

// newNode starts a full engine on loopback with ephemeral ports, probing the
// given targets instead of the LAN broadcast addresses.
func newNode(t *testing.T, id string, targets []string) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	if targets == nil {
		targets = []string{"127.0.0.1:9"}
	}

	cfg := config.Config{
		UserID:            id,
		BroadcastInterval: 150 * time.Millisecond,
		AckTimeout:        300 * time.Millisecond,
		BindAddr:          "127.0.0.1",
		UDPPort:           0,
		TCPPort:           0,
		BroadcastTargets:  targets,
		DownloadsDir:      filepath.Join(dir, "downloads"),
		PeersPath:         filepath.Join(dir, "peers.json"),
		HistoryPath:       filepath.Join(dir, "history.json"),
	}

	eng, err := engine.New(cfg, logger.NewLogger())
	if err != nil {
		t.Fatalf("engine.New(%s): %v", id, err)
	}
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng
}

// newPair wires two nodes at each other: bob probes alice directly, alice
// learns bob from his probes.
func newPair(t *testing.T) (*engine.Engine, *engine.Engine) {
	t.Helper()
	alice := newNode(t, "alice", nil)
	aliceAddr := fmt.Sprintf("127.0.0.1:%d", alice.Discovery().Port())
	bob := newNode(t, "bob", []string{aliceAddr})

	waitFor(t, 5*time.Second, "nodes to discover each other", func() bool {
		_, aSeesB := alice.Discovery().Lookup(protocol.NewUserID("bob"))
		_, bSeesA := bob.Discovery().Lookup(protocol.NewUserID("alice"))
		return aSeesB && bSeesA
	})
	return alice, bob
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDiscoveryTwoNodes(t *testing.T) {
	alice, bob := newPair(t)

	info, ok := alice.Discovery().Lookup(protocol.NewUserID("bob"))
	if !ok {
		t.Fatal("alice lost bob")
	}
	if info.IP != "127.0.0.1" || info.Port != bob.Discovery().Port() {
		t.Errorf("alice sees bob at %s:%d, want 127.0.0.1:%d", info.IP, info.Port, bob.Discovery().Port())
	}
	if !info.Online(time.Now()) {
		t.Error("freshly discovered peer must be online")
	}

	if _, ok := alice.Discovery().Lookup(protocol.NewUserID("alice")); ok {
		t.Error("alice discovered herself from her own broadcasts")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	alice, bob := newPair(t)

	before := time.Now().Add(-time.Second)
	if err := alice.Messaging().Send(protocol.NewUserID("bob"), "hola"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	after := time.Now().Add(time.Second)

	conv, err := alice.History().GetConversation("alice", "bob")
	if err != nil {
		t.Fatalf("alice history: %v", err)
	}
	if len(conv) != 1 || conv[0].Message != "hola" || conv[0].Sender != "alice" {
		t.Fatalf("alice history = %+v", conv)
	}
	if conv[0].Timestamp.Before(before) || conv[0].Timestamp.After(after) {
		t.Errorf("sent timestamp %v outside call window", conv[0].Timestamp)
	}

	// The receiver records the message through its consumer worker.
	waitFor(t, 5*time.Second, "bob's history entry", func() bool {
		conv, err := bob.History().GetConversation("bob", "alice")
		return err == nil && len(conv) == 1
	})
	conv, _ = bob.History().GetConversation("bob", "alice")
	if conv[0].Sender != "alice" || conv[0].Recipient != "bob" || conv[0].Message != "hola" {
		t.Errorf("bob history = %+v", conv[0])
	}
}

func TestFileTransfer(t *testing.T) {
	alice, bob := newPair(t)

	data := make([]byte, 2500*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}

	if err := alice.Messaging().SendFile(protocol.NewUserID("bob"), data, "x.bin"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	var received []byte
	waitFor(t, 5*time.Second, "file in bob's downloads", func() bool {
		conv, err := bob.History().GetConversation("bob", "alice")
		if err != nil || len(conv) == 0 {
			return false
		}
		entry := conv[len(conv)-1]
		if entry.Type != store.EntryFile || entry.Path == "" {
			return false
		}
		received, err = os.ReadFile(entry.Path)
		return err == nil
	})

	if !bytes.Equal(received, data) {
		t.Fatalf("received file differs: %d bytes vs %d sent", len(received), len(data))
	}

	conv, err := alice.History().GetConversation("alice", "bob")
	if err != nil {
		t.Fatalf("alice history: %v", err)
	}
	last := conv[len(conv)-1]
	if last.Type != store.EntryFile || last.Filename != "x.bin" || last.Size != int64(len(data)) {
		t.Errorf("alice file entry = %+v", last)
	}

	info, _ := alice.Discovery().Lookup(protocol.NewUserID("bob"))
	if !info.TCPOK {
		t.Error("successful transfer should mark the peer TCP-reachable")
	}
}

// rawProbe sends one frame at a node's UDP port and returns the first
// response within the deadline.
func rawProbe(t *testing.T, node *engine.Engine, frame []byte) protocol.Response {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: node.Discovery().Port(),
	})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no response: %v", err)
	}
	if n != protocol.ResponseSize {
		t.Fatalf("response is %d bytes, want %d", n, protocol.ResponseSize)
	}
	resp, err := protocol.UnmarshalResponse(buf[:n])
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	return resp
}

func TestBroadcastFileRejected(t *testing.T) {
	bob := newNode(t, "bob", nil)

	hdr := protocol.Header{
		From:    protocol.NewUserID("mallory"),
		To:      protocol.Broadcast,
		Op:      protocol.OpFile,
		BodyID:  9,
		BodyLen: 1024,
	}
	resp := rawProbe(t, bob, hdr.Marshal())
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("broadcast file drew %s, want BAD_REQUEST", resp.Status)
	}
}

func TestUnknownOpCodeRejected(t *testing.T) {
	bob := newNode(t, "bob", nil)

	hdr := protocol.Header{
		From: protocol.NewUserID("mallory"),
		To:   protocol.NewUserID("bob"),
		Op:   protocol.OpCode(9),
	}
	resp := rawProbe(t, bob, hdr.Marshal())
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("unknown op drew %s, want BAD_REQUEST", resp.Status)
	}
}

func TestMisaddressedHeaderRejected(t *testing.T) {
	bob := newNode(t, "bob", nil)

	hdr := protocol.Header{
		From:    protocol.NewUserID("mallory"),
		To:      protocol.NewUserID("someone-else"),
		Op:      protocol.OpMessage,
		BodyLen: 5,
	}
	resp := rawProbe(t, bob, hdr.Marshal())
	if resp.Status != protocol.StatusBadRequest {
		t.Errorf("misaddressed header drew %s, want BAD_REQUEST", resp.Status)
	}
}

// TestStrayBodyFrameIsDropped sends an orphan body-sized frame and checks
// the node keeps working.
func TestStrayBodyFrameIsDropped(t *testing.T) {
	alice, bob := newPair(t)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: bob.Discovery().Port(),
	})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write(make([]byte, 300)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := alice.Messaging().Send(protocol.NewUserID("bob"), "still alive"); err != nil {
		t.Fatalf("Send after stray frame: %v", err)
	}
}

func TestSendToDeadPeerFails(t *testing.T) {
	alice, _ := newPair(t)

	// A peer that was seen once but is no longer answering.
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	deadPort := dead.LocalAddr().(*net.UDPAddr).Port
	_ = dead.Close()
	alice.Discovery().Table().Upsert(protocol.NewUserID("ghost"), "127.0.0.1", deadPort, time.Now())

	err = alice.Messaging().Send(protocol.NewUserID("ghost"), "hello?")
	if err == nil {
		t.Fatal("send to a dead peer must fail")
	}
}

func TestEngineRejectsEmptyUserID(t *testing.T) {
	_, err := engine.New(config.Config{}, logger.NewLogger())
	if err == nil {
		t.Fatal("expected an error for an empty user id")
	}
}
