// Package discovery maintains the live view of reachable peers by sending
// periodic Echo probes to the LAN broadcast addresses and folding replies
// into the peer table.
package discovery

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/lanchat/internal/netutil"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

const (
	persistInterval = 5 * time.Second
	socketBufSize   = 262144
)

type Config struct {
	Self     protocol.UserID
	Interval time.Duration
	BindAddr string
	UDPPort  int
	// BroadcastTargets overrides the computed broadcast addresses,
	// "host:port" each. Used for point-to-point probing in tests and on
	// networks that block directed broadcast.
	BroadcastTargets []string
	Store            store.PeerStore
	Logger           *logrus.Logger
}

// Discovery owns the shared UDP socket. It writes probes and replies on it;
// the messaging receive loop reads it and routes echo headers and unmatched
// responses back here.
type Discovery struct {
	self     protocol.UserID
	interval time.Duration
	logger   *logrus.Logger
	peers    store.PeerStore

	conn    *net.UDPConn
	localIP string
	port    int
	targets []*net.UDPAddr
	table   *Table

	done chan struct{}
}

func New(cfg Config) (*Discovery, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	bindIP := cfg.BindAddr
	if bindIP == "" {
		ip, err := netutil.SelectBindIP()
		if err != nil {
			cfg.Logger.Warnf("No usable interface, falling back to loopback: %v", err)
			ip = "127.0.0.1"
		}
		bindIP = ip
	}

	conn, err := bindUDP(bindIP, cfg.UDPPort)
	if err != nil {
		cfg.Logger.Warnf("Bind to %s failed, retrying on 0.0.0.0: %v", bindIP, err)
		conn, err = bindUDP("0.0.0.0", cfg.UDPPort)
		if err != nil {
			return nil, fmt.Errorf("binding udp socket: %w", err)
		}
	}
	_ = conn.SetReadBuffer(socketBufSize)
	_ = conn.SetWriteBuffer(socketBufSize)

	port := conn.LocalAddr().(*net.UDPAddr).Port

	// On a loopback bind the host's own addresses are fair game: that is
	// the multi-node-per-host setup, and identity filtering still applies.
	filter := netutil.LocalIPSet()
	if net.ParseIP(bindIP).IsLoopback() {
		filter = map[string]bool{}
	}

	targets, err := resolveTargets(cfg.BroadcastTargets, port)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := &Discovery{
		self:     cfg.Self,
		interval: cfg.Interval,
		logger:   cfg.Logger,
		peers:    cfg.Store,
		conn:     conn,
		localIP:  bindIP,
		port:     port,
		targets:  targets,
		table:    NewTable(cfg.Self, filter),
		done:     make(chan struct{}),
	}
	d.logger.Infof("Discovery bound to %s:%d, probing %d broadcast targets", bindIP, port, len(targets))
	return d, nil
}

func bindUDP(ip string, port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					sockErr = err
					return
				}
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func resolveTargets(overrides []string, port int) ([]*net.UDPAddr, error) {
	if len(overrides) > 0 {
		targets := make([]*net.UDPAddr, 0, len(overrides))
		for _, o := range overrides {
			addr, err := net.ResolveUDPAddr("udp4", o)
			if err != nil {
				return nil, fmt.Errorf("resolving broadcast target %q: %w", o, err)
			}
			targets = append(targets, addr)
		}
		return targets, nil
	}

	bcasts := netutil.BroadcastAddrs()
	targets := make([]*net.UDPAddr, 0, len(bcasts))
	for _, b := range bcasts {
		targets = append(targets, &net.UDPAddr{IP: net.ParseIP(b), Port: port})
	}
	return targets, nil
}

// Start launches the broadcast and persist workers.
func (d *Discovery) Start() {
	go d.broadcastLoop()
	if d.peers != nil {
		go d.persistLoop()
	}
}

// Stop halts the workers. The socket stays open; the engine closes it after
// stopping messaging, and that close ends the messaging receive loop.
func (d *Discovery) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *Discovery) Conn() *net.UDPConn { return d.conn }

func (d *Discovery) LocalIP() string { return d.localIP }

// Port reports the actual bound UDP port.
func (d *Discovery) Port() int { return d.port }

func (d *Discovery) Table() *Table { return d.table }

func (d *Discovery) broadcastLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.doBroadcast()
		select {
		case <-ticker.C:
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) doBroadcast() {
	hdr := protocol.Header{
		From: d.self,
		To:   protocol.Broadcast,
		Op:   protocol.OpEcho,
	}
	frame := hdr.Marshal()
	for _, target := range d.targets {
		if _, err := d.conn.WriteToUDP(frame, target); err != nil {
			d.logger.Warnf("Broadcast to %s failed: %v", target, err)
		}
	}
}

// ForceDiscover sends an immediate probe, outside the broadcast cadence.
func (d *Discovery) ForceDiscover() {
	d.doBroadcast()
}

func (d *Discovery) persistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.persist()
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) persist() {
	snapshot := d.table.Snapshot()
	out := make(map[string]store.Peer, len(snapshot))
	for id, info := range snapshot {
		out[id.String()] = store.Peer{
			IP:       info.IP,
			Port:     info.Port,
			LastSeen: info.LastSeen.UTC(),
			TCPOK:    info.TCPOK,
		}
	}
	if err := d.peers.Save(out); err != nil {
		d.logger.Warnf("Persisting peers failed: %v", err)
	}
}

// HandleEcho answers an Echo probe with a unicast OK carrying the local id
// and records the sender.
func (d *Discovery) HandleEcho(hdr protocol.Header, src *net.UDPAddr) {
	if hdr.From == d.self {
		return
	}

	resp := protocol.Response{Status: protocol.StatusOK, Responder: d.self}
	if _, err := d.conn.WriteToUDP(resp.Marshal(), src); err != nil {
		d.logger.Warnf("Echo reply to %s failed: %v", src, err)
		return
	}
	d.table.Upsert(hdr.From, src.IP.String(), src.Port, time.Now())
	d.logger.Debugf("Echo from %s (%s)", hdr.From, src)
}

// HandleResponse folds an OK response that no sender was waiting on into the
// peer table: it is an Echo reply.
func (d *Discovery) HandleResponse(resp protocol.Response, src *net.UDPAddr) {
	if resp.Status != protocol.StatusOK || resp.Responder == d.self {
		return
	}
	d.table.Upsert(resp.Responder, src.IP.String(), src.Port, time.Now())
	d.logger.Debugf("Echo reply from %s (%s)", resp.Responder, src)
}

// GetPeers returns a copy of the table.
func (d *Discovery) GetPeers() map[protocol.UserID]PeerInfo {
	return d.table.Snapshot()
}

// Lookup resolves one peer, online or not.
func (d *Discovery) Lookup(id protocol.UserID) (PeerInfo, bool) {
	return d.table.Get(id)
}
