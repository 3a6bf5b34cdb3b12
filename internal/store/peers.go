package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONPeerStore keeps the peer snapshot in a single JSON file, rewritten
// atomically on every save.
type JSONPeerStore struct {
	path string
}

func NewJSONPeerStore(path string) *JSONPeerStore {
	return &JSONPeerStore{path: path}
}

// Load returns an empty map when the file is missing, empty or malformed:
// a stale snapshot is never worth refusing to start over.
func (s *JSONPeerStore) Load() (map[string]Peer, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Peer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading peer snapshot: %w", err)
	}

	peers := map[string]Peer{}
	if len(data) == 0 {
		return peers, nil
	}
	if err := json.Unmarshal(data, &peers); err != nil {
		return map[string]Peer{}, nil
	}
	return peers, nil
}

func (s *JSONPeerStore) Save(peers map[string]Peer) error {
	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding peer snapshot: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place so a crash never leaves a truncated file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
