// Package engine wires identity, persistence, discovery and messaging into
// one node and owns their lifecycle.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/lanchat/internal/config"
	"github.com/rudransh-shrivastava/lanchat/internal/discovery"
	"github.com/rudransh-shrivastava/lanchat/internal/messaging"
	"github.com/rudransh-shrivastava/lanchat/internal/protocol"
	"github.com/rudransh-shrivastava/lanchat/internal/store"
)

type Engine struct {
	self    protocol.UserID
	logger  *logrus.Logger
	peers   store.PeerStore
	history store.HistoryStore
	disc    *discovery.Discovery
	msg     *messaging.Messaging
}

// New builds the node: stores first, then discovery (which binds the shared
// UDP socket), then messaging on top of it. The persisted peer snapshot is
// folded into the table through the same self/local-IP filters discovery
// applies to live traffic.
func New(cfg config.Config, log *logrus.Logger) (*Engine, error) {
	self := protocol.NewUserID(cfg.UserID)
	if self.IsZero() {
		return nil, fmt.Errorf("user id must not be empty")
	}

	peers := store.NewJSONPeerStore(cfg.PeersPath)

	var history store.HistoryStore
	if cfg.HistoryDB != "" {
		sqliteHistory, err := store.NewSQLiteHistoryStore(cfg.HistoryDB)
		if err != nil {
			return nil, err
		}
		history = sqliteHistory
	} else {
		history = store.NewJSONHistoryStore(cfg.HistoryPath)
	}

	disc, err := discovery.New(discovery.Config{
		Self:             self,
		Interval:         cfg.BroadcastInterval,
		BindAddr:         cfg.BindAddr,
		UDPPort:          cfg.UDPPort,
		BroadcastTargets: cfg.BroadcastTargets,
		Store:            peers,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	saved, err := peers.Load()
	if err != nil {
		log.Warnf("Loading peer snapshot failed: %v", err)
	} else {
		disc.Table().Merge(saved)
	}

	msg, err := messaging.New(messaging.Config{
		Self:         self,
		Discovery:    disc,
		History:      history,
		Logger:       log,
		ListenIP:     cfg.BindAddr,
		TCPPort:      cfg.TCPPort,
		DownloadsDir: cfg.DownloadsDir,
		AckTimeout:   cfg.AckTimeout,
	})
	if err != nil {
		_ = disc.Conn().Close()
		return nil, err
	}

	return &Engine{
		self:    self,
		logger:  log,
		peers:   peers,
		history: history,
		disc:    disc,
		msg:     msg,
	}, nil
}

// Start launches every background worker. Workers die with the process; no
// explicit Stop is required for correctness.
func (e *Engine) Start() {
	e.disc.Start()
	e.msg.Start()
	e.logger.Infof("Node %s up on %s (udp/tcp %d)", e.self, e.disc.LocalIP(), e.disc.Port())
}

// Stop shuts the workers down and releases the sockets.
func (e *Engine) Stop() {
	e.msg.Stop()
	e.disc.Stop()
	_ = e.disc.Conn().Close()
}

func (e *Engine) UserID() protocol.UserID { return e.self }

func (e *Engine) LocalIP() string { return e.disc.LocalIP() }

func (e *Engine) TCPOK() bool { return e.msg.TCPOK() }

func (e *Engine) Discovery() *discovery.Discovery { return e.disc }

func (e *Engine) Messaging() *messaging.Messaging { return e.msg }

func (e *Engine) History() store.HistoryStore { return e.history }
