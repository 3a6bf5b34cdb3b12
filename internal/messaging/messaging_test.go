package messaging

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/discovery"
	"github.com/rudransh-shrivastava/lanchat/internal/logger"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

// newTestMessaging builds a node half on loopback: discovery socket bound to
// an ephemeral port, probes pointed at the discard port, workers not started
// unless the test needs them.
func newTestMessaging(t *testing.T, id string, ackTimeout time.Duration) *Messaging {
	t.Helper()
	dir := t.TempDir()

	d, err := discovery.New(discovery.Config{
		Self:             protocol.NewUserID(id),
		Interval:         time.Second,
		BindAddr:         "127.0.0.1",
		UDPPort:          0,
		BroadcastTargets: []string{"127.0.0.1:9"},
		Logger:           logger.NewLogger(),
	})
	if err != nil {
		t.Fatalf("discovery.New: %v", err)
	}

	m, err := New(Config{
		Self:         protocol.NewUserID(id),
		Discovery:    d,
		History:      store.NewJSONHistoryStore(filepath.Join(dir, "history.json")),
		Logger:       logger.NewLogger(),
		ListenIP:     "127.0.0.1",
		DownloadsDir: filepath.Join(dir, "downloads"),
		AckTimeout:   ackTimeout,
	})
	if err != nil {
		t.Fatalf("messaging.New: %v", err)
	}
	t.Cleanup(func() {
		m.Stop()
		d.Stop()
		_ = d.Conn().Close()
	})
	return m
}

func TestNextBodyIDWrapsAround(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)
	first := m.nextBodyID()
	for i := 0; i < 255; i++ {
		m.nextBodyID()
	}
	if got := m.nextBodyID(); got != first {
		t.Errorf("body id after 256 allocations = %d, want wrap to %d", got, first)
	}
}

func TestSignalAckIsIdempotent(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)

	ch := m.registerAck("bob", 7)
	if !m.signalAck("bob") {
		t.Fatal("first signal must find the waiter")
	}
	if !m.signalAck("bob") {
		t.Fatal("duplicate signal must still be claimed")
	}

	select {
	case <-ch:
	default:
		t.Fatal("waiter never woken")
	}
	select {
	case <-ch:
		t.Fatal("duplicate ack produced a second wakeup")
	default:
	}
}

func TestSignalAckUnmatchedResponder(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)
	if m.signalAck("nobody") {
		t.Error("response with no outstanding send must not be claimed")
	}
}

func TestRegisterAckReplacesStaleWaiter(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)

	stale := m.registerAck("bob", 1)
	fresh := m.registerAck("bob", 2)
	if !m.signalAck("bob") {
		t.Fatal("signal must find the fresh waiter")
	}

	select {
	case <-stale:
		t.Error("stale waiter received the signal")
	default:
	}
	select {
	case <-fresh:
	default:
		t.Error("fresh waiter missed the signal")
	}
}

func TestSendUnknownPeer(t *testing.T) {
	m := newTestMessaging(t, "alice", 100*time.Millisecond)
	err := m.Send(protocol.NewUserID("stranger"), "hi")
	if !errors.Is(err, protocol.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestSendDeliveryFailedAfterRetries(t *testing.T) {
	m := newTestMessaging(t, "alice", 100*time.Millisecond)

	// A port with nothing behind it: the peer is known but dead.
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	deadPort := dead.LocalAddr().(*net.UDPAddr).Port
	_ = dead.Close()

	m.disc.Table().Upsert(protocol.NewUserID("ghost"), "127.0.0.1", deadPort, time.Now())

	start := time.Now()
	err = m.Send(protocol.NewUserID("ghost"), "anyone there?")
	if !errors.Is(err, protocol.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("send gave up after %v, before exhausting retries", elapsed)
	}
}

// TestRetryAfterDroppedAck drops the first header ack and checks the sender
// recovers on the retry while the receiver sees the body exactly once.
func TestRetryAfterDroppedAck(t *testing.T) {
	m := newTestMessaging(t, "alice", 200*time.Millisecond)
	m.Start()

	sim, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer func() { _ = sim.Close() }()
	simPort := sim.LocalAddr().(*net.UDPAddr).Port

	m.disc.Table().Upsert(protocol.NewUserID("bob"), "127.0.0.1", simPort, time.Now())

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- m.Send(protocol.NewUserID("bob"), "hola")
	}()

	ok := protocol.Response{Status: protocol.StatusOK, Responder: protocol.NewUserID("bob")}.Marshal()
	buf := make([]byte, 4096)
	headers, bodies := 0, 0

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = sim.SetReadDeadline(deadline)
		n, src, err := sim.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if n == protocol.HeaderSize {
			headers++
			if headers == 1 {
				continue // drop the first header ack
			}
			_, _ = sim.WriteToUDP(ok, src)
			continue
		}
		bodies++
		_, _ = sim.WriteToUDP(ok, src)
		break
	}

	select {
	case err := <-sendErr:
		if err != nil {
			t.Fatalf("Send failed despite retry: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send never returned")
	}

	if headers < 2 {
		t.Errorf("receiver saw %d headers, want at least 2 (retry)", headers)
	}
	if bodies != 1 {
		t.Errorf("receiver saw %d bodies, want exactly 1", bodies)
	}
}

func TestSweepDropsOnlyExpiredHeaders(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)
	now := time.Now()

	m.pending[1] = pendingHeader{hdr: protocol.Header{BodyID: 1}, at: now.Add(-pendingTTL - time.Second)}
	m.pending[2] = pendingHeader{hdr: protocol.Header{BodyID: 2}, at: now}

	m.sweepOnce(now)

	if _, ok := m.pending[1]; ok {
		t.Error("expired header survived the sweep")
	}
	if _, ok := m.pending[2]; !ok {
		t.Error("fresh header was swept")
	}
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	m := newTestMessaging(t, "alice", time.Second)
	m.queue = make(chan inbound, 2)

	m.enqueue(inbound{text: "one"})
	m.enqueue(inbound{text: "two"})
	m.enqueue(inbound{text: "three"})

	got := []string{(<-m.queue).text, (<-m.queue).text}
	if got[0] != "two" || got[1] != "three" {
		t.Errorf("queue after overflow = %v, want [two three]", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"..", "file"},
		{"dir/inner.txt", "inner.txt"},
		{"C:\\Users\\x\\evil.exe", "evil.exe"},
		{"name\x00with\x1fcontrol.txt", "namewithcontrol.txt"},
		{"", "file"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilenameClampsLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	name := string(long) + ".tar.gz"

	got := SanitizeFilename(name)
	if len(got) > 255 {
		t.Errorf("sanitized name is %d bytes", len(got))
	}
	if filepath.Ext(got) != ".gz" {
		t.Errorf("extension lost: %q", got)
	}
}

func TestSniffExtension(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000000000")
	if got := SniffExtension(png); got != ".png" {
		t.Errorf("png sniffed as %q", got)
	}
	if got := SniffExtension([]byte("plain old text, nothing else")); got != ".txt" {
		t.Errorf("text sniffed as %q", got)
	}
	if got := SniffExtension([]byte{0x00, 0x01, 0x02, 0x03}); got != ".bin" {
		t.Errorf("binary sniffed as %q", got)
	}
}
