package messaging

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
)

const tcpIOTimeout = 5 * time.Second

// SendFile runs the UDP control handshake, then streams the file over a
// fresh TCP connection keyed by the transfer id.
func (m *Messaging) SendFile(recipient protocol.UserID, data []byte, filename string) error {
	peer, dest, err := m.resolve(recipient)
	if err != nil {
		return err
	}

	bid := m.nextBodyID()
	hdr := protocol.Header{
		From:    m.self,
		To:      recipient,
		Op:      protocol.OpFile,
		BodyID:  bid,
		BodyLen: uint64(len(data)),
	}
	peerKey := recipient.String()
	if err := m.sendAndWait(hdr.Marshal(), peerKey, dest, bid, m.ackTimeout); err != nil {
		return fmt.Errorf("file header: %w", err)
	}

	time.Sleep(tcpArmDelay)

	addr := net.JoinHostPort(peer.IP, strconv.Itoa(peer.Port))
	conn, err := net.DialTimeout("tcp4", addr, tcpIOTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, protocol.ErrTransferFailed)
	}
	defer func() { _ = conn.Close() }()

	tcpConn := conn.(*net.TCPConn)
	_ = tcpConn.SetReadBuffer(socketBufSize)
	_ = tcpConn.SetWriteBuffer(socketBufSize)

	if err := m.streamFile(tcpConn, bid, data); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(tcpIOTimeout))
	respBuf := make([]byte, protocol.ResponseSize)
	if _, err := io.ReadFull(conn, respBuf); err != nil {
		return fmt.Errorf("reading transfer ack: %w", protocol.ErrTransferFailed)
	}
	resp, err := protocol.UnmarshalResponse(respBuf)
	if err != nil {
		return fmt.Errorf("decoding transfer ack: %w", protocol.ErrTransferFailed)
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("receiver answered %s: %w", resp.Status, protocol.ErrTransferFailed)
	}

	if err := m.history.AppendFile(m.self.String(), peerKey, filename, int64(len(data)), "", time.Now().UTC()); err != nil {
		m.logger.Warnf("Recording sent file failed: %v", err)
	}
	m.disc.Table().MarkTCPOK(recipient, true)
	return nil
}

func (m *Messaging) streamFile(conn *net.TCPConn, bid uint8, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(tcpIOTimeout))
	if _, err := conn.Write(protocol.PackTransferID(bid)); err != nil {
		return fmt.Errorf("writing transfer id: %w", protocol.ErrTransferFailed)
	}

	total := int64(len(data))
	var sent int64
	for sent < total {
		end := sent + chunkSize
		if end > total {
			end = total
		}
		_ = conn.SetWriteDeadline(time.Now().Add(tcpIOTimeout))
		n, err := conn.Write(data[sent:end])
		if err != nil {
			return fmt.Errorf("streaming at %d/%d bytes: %w", sent, total, protocol.ErrTransferFailed)
		}
		if n != int(end-sent) {
			return fmt.Errorf("short write at %d/%d bytes: %w", sent, total, protocol.ErrTransferFailed)
		}
		sent = end
		if m.OnFileProgress != nil {
			m.OnFileProgress(sent, total)
		}
	}

	// Half-close to signal EOF; the ack still comes back on the read side.
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("closing write side: %w", protocol.ErrTransferFailed)
	}
	return nil
}

// acceptLoop hands each inbound TCP connection to its own handler.
func (m *Messaging) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			m.logger.Warnf("TCP accept failed: %v", err)
			continue
		}
		go m.handleTransfer(conn)
	}
}

// handleTransfer receives one file body: transfer id, exactly BodyLen bytes
// from the matching pending header, then a 25-byte status on the same
// connection.
func (m *Messaging) handleTransfer(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetReadBuffer(socketBufSize)
		_ = tcpConn.SetWriteBuffer(socketBufSize)
	}

	_ = conn.SetReadDeadline(time.Now().Add(tcpIOTimeout))
	idBuf := make([]byte, protocol.TransferIDSize)
	if _, err := io.ReadFull(conn, idBuf); err != nil {
		m.logger.Warnf("Reading transfer id from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	bid, err := protocol.UnpackTransferID(idBuf)
	if err != nil {
		m.writeTransferStatus(conn, protocol.StatusInternalError)
		return
	}

	m.pendMu.Lock()
	ph, ok := m.pending[bid]
	if ok {
		delete(m.pending, bid)
	}
	m.pendMu.Unlock()
	if !ok {
		m.logger.Warnf("No pending header for transfer id %d from %s", bid, conn.RemoteAddr())
		m.writeTransferStatus(conn, protocol.StatusInternalError)
		return
	}

	total := ph.hdr.BodyLen
	if total == 0 {
		m.writeTransferStatus(conn, protocol.StatusInternalError)
		return
	}

	data := make([]byte, total)
	var received uint64
	for received < total {
		n := uint64(chunkSize)
		if total-received < n {
			n = total - received
		}
		_ = conn.SetReadDeadline(time.Now().Add(tcpIOTimeout))
		if _, err := io.ReadFull(conn, data[received:received+n]); err != nil {
			m.logger.Warnf("Transfer %d from %s died at %d/%d bytes: %v", bid, ph.hdr.From, received, total, err)
			m.writeTransferStatus(conn, protocol.StatusInternalError)
			return
		}
		received += n
		if received%(1<<20) == 0 {
			m.logger.Infof("Transfer %d: %d/%d bytes", bid, received, total)
		}
	}

	name := buildDownloadName(bid, SniffExtension(data), time.Now().UTC())
	path, err := m.saveDownload(name, data)
	if err != nil {
		m.logger.Warnf("Saving transfer %d failed: %v", bid, err)
		m.writeTransferStatus(conn, protocol.StatusInternalError)
		return
	}

	if err := m.history.AppendFile(ph.hdr.From.String(), m.self.String(), name, int64(total), path, time.Now().UTC()); err != nil {
		m.logger.Warnf("Recording received file failed: %v", err)
	}
	m.disc.Table().MarkTCPOK(ph.hdr.From, true)
	m.writeTransferStatus(conn, protocol.StatusOK)
	m.logger.Infof("Received %d-byte file from %s as %s", total, ph.hdr.From, name)
}

func (m *Messaging) writeTransferStatus(conn net.Conn, status protocol.Status) {
	_ = conn.SetWriteDeadline(time.Now().Add(tcpIOTimeout))
	resp := protocol.Response{Status: status, Responder: m.self}
	if _, err := conn.Write(resp.Marshal()); err != nil {
		m.logger.Debugf("Transfer status to %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (m *Messaging) saveDownload(name string, data []byte) (string, error) {
	if err := os.MkdirAll(m.downloadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating downloads dir: %w", err)
	}
	path := filepath.Join(m.downloadsDir, SanitizeFilename(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func buildDownloadName(bid uint8, ext string, ts time.Time) string {
	return fmt.Sprintf("file_%s_%d%s", ts.Format("20060102_150405"), bid, ext)
}

// SanitizeFilename confines a name to the downloads directory: path
// separators and traversal are stripped, control characters removed, and
// the result clamped to 255 bytes with its extension preserved.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." || strings.Contains(name, "..") {
		return "file"
	}

	const maxLen = 255
	if len(name) > maxLen {
		ext := filepath.Ext(name)
		if len(ext) >= maxLen {
			ext = ""
		}
		name = name[:maxLen-len(ext)] + ext
	}
	return name
}

// SniffExtension guesses an extension for a received body from its leading
// bytes.
func SniffExtension(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch ct {
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "application/zip":
		return ".zip"
	case "application/x-gzip":
		return ".gz"
	case "application/x-rar-compressed":
		return ".rar"
	case "text/html":
		return ".html"
	case "text/xml":
		return ".xml"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}
