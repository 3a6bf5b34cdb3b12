package messaging

import (
	"errors"
	"net"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

var (
	errBodyTimeout  = errors.New("timed out waiting for message body")
	errBodyMismatch = errors.New("message body length mismatch")
)

// recvLoop is the single reader of the shared UDP socket. Frames are
// classified by length: 25 bytes is a response, 50 a header, anything else
// is dropped.
func (m *Messaging) recvLoop() {
	buf := make([]byte, 4096)
	for {
		_ = m.conn.SetReadDeadline(time.Now().Add(m.ackTimeout))
		n, src, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			m.logger.Warnf("UDP receive failed: %v", err)
			return
		}

		switch n {
		case protocol.ResponseSize:
			m.handleResponse(buf[:n], src)
		case protocol.HeaderSize:
			m.handleHeader(buf[:n], src)
		default:
			m.logger.Debugf("Dropping %d-byte frame from %s", n, src)
		}
	}
}

// handleResponse signals the waiter for the responder's outstanding send;
// responses nobody is waiting on are echo replies and go to discovery.
func (m *Messaging) handleResponse(frame []byte, src *net.UDPAddr) {
	resp, err := protocol.UnmarshalResponse(frame)
	if err != nil {
		m.logger.Debugf("Bad response from %s: %v", src, err)
		return
	}
	if resp.Status == protocol.StatusOK && m.signalAck(resp.Responder.String()) {
		return
	}
	m.disc.HandleResponse(resp, src)
}

func (m *Messaging) handleHeader(frame []byte, src *net.UDPAddr) {
	hdr, err := protocol.UnmarshalHeader(frame)
	if err != nil {
		m.logger.Debugf("Bad header from %s: %v", src, err)
		return
	}

	if !hdr.Op.Valid() {
		m.respond(protocol.StatusBadRequest, src)
		return
	}
	if hdr.From == m.self {
		// Our own broadcast looped back.
		return
	}
	if hdr.Op == protocol.OpEcho {
		m.disc.HandleEcho(hdr, src)
		return
	}
	if hdr.To != m.self && !hdr.To.IsBroadcast() {
		m.respond(protocol.StatusBadRequest, src)
		return
	}

	switch hdr.Op {
	case protocol.OpMessage:
		m.handleMessage(hdr, src)
	case protocol.OpFile:
		if hdr.To.IsBroadcast() {
			m.respond(protocol.StatusBadRequest, src)
			return
		}
		m.pendMu.Lock()
		m.pending[hdr.BodyID] = pendingHeader{hdr: hdr, at: time.Now()}
		m.pendMu.Unlock()
		m.respond(protocol.StatusOK, src)
	}
}

// handleMessage acks the header, then waits inline for the matching body
// frame before acking again and queueing the message for the consumer.
func (m *Messaging) handleMessage(hdr protocol.Header, src *net.UDPAddr) {
	m.respond(protocol.StatusOK, src)

	body, err := m.awaitBody(hdr, src)
	switch {
	case errors.Is(err, errBodyMismatch):
		m.respond(protocol.StatusBadRequest, src)
		return
	case err != nil:
		m.respond(protocol.StatusInternalError, src)
		return
	}
	m.respond(protocol.StatusOK, src)

	_, payload, err := protocol.UnpackMessageBody(body)
	if err != nil {
		m.respond(protocol.StatusBadRequest, src)
		return
	}

	recipient := m.self.String()
	if hdr.To.IsBroadcast() {
		recipient = store.GlobalRecipient
	}
	m.enqueue(inbound{
		sender:    hdr.From.String(),
		recipient: recipient,
		text:      string(payload),
		ts:        time.Now().UTC(),
	})
}

// awaitBody reads datagrams until one from the header's sender matches its
// BodyID and BodyLen. Control-sized strays (other peers' probes and acks)
// arriving inside the window are dropped; a sender frame of any other wrong
// length is a mismatch.
func (m *Messaging) awaitBody(hdr protocol.Header, src *net.UDPAddr) ([]byte, error) {
	deadline := time.Now().Add(m.ackTimeout)
	buf := make([]byte, 65536)

	for time.Now().Before(deadline) {
		_ = m.conn.SetReadDeadline(deadline)
		n, from, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, errBodyTimeout
		}
		if !from.IP.Equal(src.IP) || from.Port != src.Port {
			m.logger.Debugf("Dropping stray %d-byte frame from %s while awaiting body", n, from)
			continue
		}
		if n == int(hdr.BodyLen) && buf[0] == hdr.BodyID {
			body := make([]byte, n)
			copy(body, buf[:n])
			return body, nil
		}
		if n == protocol.ResponseSize || n == protocol.HeaderSize {
			continue
		}
		return nil, errBodyMismatch
	}
	return nil, errBodyTimeout
}

func (m *Messaging) respond(status protocol.Status, dst *net.UDPAddr) {
	resp := protocol.Response{Status: status, Responder: m.self}
	if _, err := m.conn.WriteToUDP(resp.Marshal(), dst); err != nil {
		m.logger.Warnf("Response to %s failed: %v", dst, err)
	}
}

// enqueue pushes an inbound message, dropping the oldest entry when the
// queue is full.
func (m *Messaging) enqueue(item inbound) {
	select {
	case m.queue <- item:
		return
	default:
	}

	select {
	case <-m.queue:
		m.logger.Warnf("Inbound queue full, dropping oldest message")
	default:
	}
	select {
	case m.queue <- item:
	default:
	}
}

// consumeQueue drains inbound messages into the history store. Per-item
// failures are logged; the consumer never dies.
func (m *Messaging) consumeQueue() {
	for {
		select {
		case item := <-m.queue:
			if err := m.history.AppendMessage(item.sender, item.recipient, item.text, item.ts); err != nil {
				m.logger.Warnf("Recording message from %s failed: %v", item.sender, err)
			}
		case <-m.done:
			return
		}
	}
}

// sweepPending drops pending file headers whose TCP side never arrived.
func (m *Messaging) sweepPending() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *Messaging) sweepOnce(now time.Time) {
	m.pendMu.Lock()
	defer m.pendMu.Unlock()
	for bid, ph := range m.pending {
		if now.Sub(ph.at) > pendingTTL {
			delete(m.pending, bid)
			m.logger.Debugf("Swept stale file header bid=%d from %s", bid, ph.hdr.From)
		}
	}
}
