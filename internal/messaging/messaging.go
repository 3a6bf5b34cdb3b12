// Package messaging implements the reliable LCP control plane over the
// shared UDP socket and the TCP bulk channel for file bodies.
package messaging

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/lanchat/internal/discovery"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

const (
	// DefaultAckTimeout bounds each wait for a 25-byte acknowledgment.
	DefaultAckTimeout = 5 * time.Second

	sendAttempts  = 3
	chunkSize     = 32 * 1024
	socketBufSize = 262144

	pendingTTL    = 30 * time.Second
	sweepInterval = 5 * time.Second

	defaultQueueSize = 1024

	// tcpArmDelay gives the receiver time to record the pending header
	// before the TCP dial arrives.
	tcpArmDelay = 500 * time.Millisecond
)

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type Config struct {
	Self         protocol.UserID
	Discovery    *discovery.Discovery
	History      store.HistoryStore
	Logger       *logrus.Logger
	ListenIP     string
	TCPPort      int // 0 means the UDP port, per protocol
	DownloadsDir string
	AckTimeout   time.Duration
	QueueSize    int
}

// ackKey identifies one waiter: responses carry no body id, so waiters are
// keyed by destination peer with the outstanding bid tracked alongside.
type ackKey struct {
	peer string
	bid  uint8
}

type pendingHeader struct {
	hdr protocol.Header
	at  time.Time
}

type inbound struct {
	sender    string
	recipient string
	text      string
	ts        time.Time
}

type Messaging struct {
	self       protocol.UserID
	disc       *discovery.Discovery
	history    store.HistoryStore
	logger     *logrus.Logger
	conn       *net.UDPConn
	listener   net.Listener
	ackTimeout time.Duration

	ackMu       sync.Mutex
	acks        map[ackKey]chan struct{}
	outstanding map[string]uint8

	bidMu   sync.Mutex
	nextBid uint8

	pendMu  sync.Mutex
	pending map[uint8]pendingHeader

	queue        chan inbound
	downloadsDir string

	// OnFileProgress, when set, is invoked as SendFile streams chunks.
	OnFileProgress func(sent, total int64)

	done chan struct{}
}

func New(cfg Config) (*Messaging, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	tcpPort := cfg.TCPPort
	if tcpPort == 0 {
		tcpPort = cfg.Discovery.Port()
	}
	listener, err := net.Listen("tcp4", net.JoinHostPort(cfg.ListenIP, strconv.Itoa(tcpPort)))
	if err != nil {
		return nil, fmt.Errorf("binding tcp listener: %w", err)
	}

	m := &Messaging{
		self:         cfg.Self,
		disc:         cfg.Discovery,
		history:      cfg.History,
		logger:       cfg.Logger,
		conn:         cfg.Discovery.Conn(),
		listener:     listener,
		ackTimeout:   cfg.AckTimeout,
		acks:         make(map[ackKey]chan struct{}),
		outstanding:  make(map[string]uint8),
		pending:      make(map[uint8]pendingHeader),
		queue:        make(chan inbound, cfg.QueueSize),
		downloadsDir: cfg.DownloadsDir,
		done:         make(chan struct{}),
	}
	m.logger.Infof("Messaging listening for file bodies on %s", listener.Addr())
	return m, nil
}

// Start launches the UDP receiver, the TCP accept loop, the inbound
// consumer and the pending-header sweeper.
func (m *Messaging) Start() {
	go m.recvLoop()
	go m.acceptLoop()
	go m.consumeQueue()
	go m.sweepPending()
}

// Stop halts the workers and closes the TCP listener. The shared UDP socket
// belongs to discovery and is closed by the engine.
func (m *Messaging) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	_ = m.listener.Close()
}

// TCPOK reports whether the file listener is up.
func (m *Messaging) TCPOK() bool {
	return m.listener != nil
}

func (m *Messaging) nextBodyID() uint8 {
	m.bidMu.Lock()
	defer m.bidMu.Unlock()
	bid := m.nextBid
	m.nextBid++
	return bid
}

func (m *Messaging) registerAck(peer string, bid uint8) chan struct{} {
	ch := make(chan struct{}, 1)
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	m.acks[ackKey{peer, bid}] = ch
	m.outstanding[peer] = bid
	return ch
}

func (m *Messaging) clearAck(peer string, bid uint8) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	delete(m.acks, ackKey{peer, bid})
	if m.outstanding[peer] == bid {
		delete(m.outstanding, peer)
	}
}

// signalAck wakes the waiter for the most recent outstanding send to peer.
// Extra signals for the same exchange are no-ops. It reports whether a
// waiter claimed the response.
func (m *Messaging) signalAck(peer string) bool {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	bid, ok := m.outstanding[peer]
	if !ok {
		return false
	}
	ch, ok := m.acks[ackKey{peer, bid}]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// sendAndWait transmits one frame and blocks for its acknowledgment,
// retrying with exponential backoff. Exhausting the attempts triggers a
// discovery refresh before the error surfaces.
func (m *Messaging) sendAndWait(frame []byte, peerKey string, dest *net.UDPAddr, bid uint8, timeout time.Duration) error {
	ch := m.registerAck(peerKey, bid)
	defer m.clearAck(peerKey, bid)

	for attempt := 0; attempt < sendAttempts; attempt++ {
		if _, err := m.conn.WriteToUDP(frame, dest); err != nil {
			m.logger.Warnf("Send to %s failed: %v", dest, err)
		}
		select {
		case <-ch:
			return nil
		case <-time.After(timeout):
		}
		if attempt < sendAttempts-1 {
			time.Sleep(retryBackoff[attempt])
		}
	}

	m.disc.ForceDiscover()
	return fmt.Errorf("no ack from %s after %d attempts: %w", peerKey, sendAttempts, protocol.ErrDeliveryFailed)
}

func (m *Messaging) resolve(recipient protocol.UserID) (discovery.PeerInfo, *net.UDPAddr, error) {
	peer, ok := m.disc.Lookup(recipient)
	if !ok {
		return discovery.PeerInfo{}, nil, fmt.Errorf("%s: %w", recipient, protocol.ErrUnknownPeer)
	}
	ip := net.ParseIP(peer.IP)
	if ip == nil {
		return discovery.PeerInfo{}, nil, fmt.Errorf("peer %s has bad address %q: %w", recipient, peer.IP, protocol.ErrUnknownPeer)
	}
	return peer, &net.UDPAddr{IP: ip, Port: peer.Port}, nil
}

// Send delivers a text message: header, header-ack, body, body-ack, then a
// history append.
func (m *Messaging) Send(recipient protocol.UserID, text string) error {
	_, dest, err := m.resolve(recipient)
	if err != nil {
		return err
	}

	bid := m.nextBodyID()
	body := protocol.PackMessageBody(bid, []byte(text))
	hdr := protocol.Header{
		From:    m.self,
		To:      recipient,
		Op:      protocol.OpMessage,
		BodyID:  bid,
		BodyLen: uint64(len(body)),
	}

	peerKey := recipient.String()
	if err := m.sendAndWait(hdr.Marshal(), peerKey, dest, bid, m.ackTimeout); err != nil {
		return fmt.Errorf("message header: %w", err)
	}
	if err := m.sendAndWait(body, peerKey, dest, bid, m.ackTimeout); err != nil {
		return fmt.Errorf("message body: %w", err)
	}

	if err := m.history.AppendMessage(m.self.String(), peerKey, text, time.Now().UTC()); err != nil {
		m.logger.Warnf("Recording sent message failed: %v", err)
	}
	return nil
}

// Broadcast fans a message out to every online peer, ignoring individual
// failures.
func (m *Messaging) Broadcast(text string) {
	now := time.Now()
	for id, peer := range m.disc.GetPeers() {
		if !peer.Online(now) {
			continue
		}
		if err := m.Send(id, text); err != nil {
			m.logger.Warnf("Broadcast to %s failed: %v", id, err)
		}
	}
}
