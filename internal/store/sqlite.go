package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// HistoryRecord is the sqlite row backing one history entry.
type HistoryRecord struct {
	ID        uint `gorm:"primaryKey"`
	Type      string
	Sender    string `gorm:"index"`
	Recipient string `gorm:"index"`
	Message   string
	Filename  string
	Size      int64
	Path      string
	Timestamp time.Time
}

// SQLiteHistoryStore keeps history in a sqlite database, for nodes whose log
// outgrows the JSON file.
type SQLiteHistoryStore struct {
	db *gorm.DB
}

func NewSQLiteHistoryStore(path string) (*SQLiteHistoryStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if err := db.AutoMigrate(&HistoryRecord{}); err != nil {
		return nil, fmt.Errorf("migrating history db: %w", err)
	}
	return &SQLiteHistoryStore{db: db}, nil
}

func (s *SQLiteHistoryStore) AppendMessage(sender, recipient, message string, ts time.Time) error {
	rec := HistoryRecord{
		Type:      EntryMessage,
		Sender:    sender,
		Recipient: recipient,
		Message:   message,
		Timestamp: ts.UTC(),
	}
	return s.db.Create(&rec).Error
}

func (s *SQLiteHistoryStore) AppendFile(sender, recipient, filename string, size int64, path string, ts time.Time) error {
	rec := HistoryRecord{
		Type:      EntryFile,
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		Size:      size,
		Path:      path,
		Timestamp: ts.UTC(),
	}
	return s.db.Create(&rec).Error
}

func (s *SQLiteHistoryStore) GetConversation(a, b string) ([]Entry, error) {
	var records []HistoryRecord
	q := s.db.Order("id")
	if b == GlobalRecipient {
		q = q.Where("recipient = ?", GlobalRecipient)
	} else {
		q = q.Where(
			"(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)",
			a, b, b, a,
		)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			Type:      r.Type,
			Sender:    r.Sender,
			Recipient: r.Recipient,
			Message:   r.Message,
			Filename:  r.Filename,
			Size:      r.Size,
			Path:      r.Path,
			Timestamp: r.Timestamp,
		})
	}
	return entries, nil
}

var (
	_ PeerStore    = (*JSONPeerStore)(nil)
	_ HistoryStore = (*JSONHistoryStore)(nil)
	_ HistoryStore = (*SQLiteHistoryStore)(nil)
)
