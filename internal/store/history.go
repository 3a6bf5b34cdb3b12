package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// JSONHistoryStore appends entries to a JSON log file. Concurrent appenders
// (message consumer, file receiver, senders) are serialized by a mutex.
type JSONHistoryStore struct {
	mu   sync.Mutex
	path string
}

func NewJSONHistoryStore(path string) *JSONHistoryStore {
	return &JSONHistoryStore{path: path}
}

func (s *JSONHistoryStore) AppendMessage(sender, recipient, message string, ts time.Time) error {
	return s.append(Entry{
		Type:      EntryMessage,
		Sender:    sender,
		Recipient: recipient,
		Message:   message,
		Timestamp: ts.UTC(),
	})
}

func (s *JSONHistoryStore) AppendFile(sender, recipient, filename string, size int64, path string, ts time.Time) error {
	return s.append(Entry{
		Type:      EntryFile,
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		Size:      size,
		Path:      path,
		Timestamp: ts.UTC(),
	})
}

func (s *JSONHistoryStore) GetConversation(a, b string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	return filterConversation(entries, a, b), nil
}

func (s *JSONHistoryStore) append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries = append(entries, e)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func (s *JSONHistoryStore) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}

// filterConversation keeps the entries exchanged between a and b, in the
// order they were appended. The global stream is addressed by passing
// GlobalRecipient as b.
func filterConversation(entries []Entry, a, b string) []Entry {
	out := []Entry{}
	for _, e := range entries {
		if b == GlobalRecipient {
			if e.Recipient == GlobalRecipient {
				out = append(out, e)
			}
			continue
		}
		if (e.Sender == a && e.Recipient == b) || (e.Sender == b && e.Recipient == a) {
			out = append(out, e)
		}
	}
	return out
}
