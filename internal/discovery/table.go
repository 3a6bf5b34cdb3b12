package discovery

import (
	"sync"
	"time"

	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

// OfflineThreshold is how long a peer may stay silent before it is reported
// offline. Offline peers remain in the table for display and history.
const OfflineThreshold = 20 * time.Second

// PeerInfo is the live view of one discovered node.
type PeerInfo struct {
	ID       protocol.UserID
	IP       string
	Port     int
	LastSeen time.Time
	TCPOK    bool
}

func (p PeerInfo) Online(now time.Time) bool {
	return now.Sub(p.LastSeen) <= OfflineThreshold
}

// Table is the lock-guarded UserID -> PeerInfo map. The local node never
// appears in it, and entries matching a filtered local IP are rejected.
type Table struct {
	mu        sync.Mutex
	self      protocol.UserID
	filterIPs map[string]bool
	peers     map[protocol.UserID]PeerInfo
}

func NewTable(self protocol.UserID, filterIPs map[string]bool) *Table {
	if filterIPs == nil {
		filterIPs = map[string]bool{}
	}
	return &Table{
		self:      self,
		filterIPs: filterIPs,
		peers:     make(map[protocol.UserID]PeerInfo),
	}
}

// Upsert records a sighting of a peer. Self and filtered-IP entries are
// dropped, an older entry holding the same address under a different id is
// evicted, and LastSeen never moves backwards.
func (t *Table) Upsert(id protocol.UserID, ip string, port int, seen time.Time) {
	if id == t.self || id.IsZero() || t.filterIPs[ip] {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for other, info := range t.peers {
		if other != id && info.IP == ip && info.Port == port {
			delete(t.peers, other)
		}
	}

	cur, ok := t.peers[id]
	if ok && seen.Before(cur.LastSeen) {
		seen = cur.LastSeen
	}
	t.peers[id] = PeerInfo{
		ID:       id,
		IP:       ip,
		Port:     port,
		LastSeen: seen,
		TCPOK:    cur.TCPOK,
	}
}

func (t *Table) Get(id protocol.UserID) (PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.peers[id]
	return info, ok
}

func (t *Table) MarkTCPOK(id protocol.UserID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, found := t.peers[id]; found {
		info.TCPOK = ok
		t.peers[id] = info
	}
}

// Snapshot copies the table.
func (t *Table) Snapshot() map[protocol.UserID]PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[protocol.UserID]PeerInfo, len(t.peers))
	for id, info := range t.peers {
		out[id] = info
	}
	return out
}

// Merge seeds the table from a persisted snapshot, applying the same self
// and local-IP filters as Upsert.
func (t *Table) Merge(saved map[string]store.Peer) {
	for key, p := range saved {
		t.Upsert(protocol.NewUserID(key), p.IP, p.Port, p.LastSeen)
		if p.TCPOK {
			t.MarkTCPOK(protocol.NewUserID(key), true)
		}
	}
}
