package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps each blob in its own file under a root directory, with a
// sidecar metadata file carrying the content type. Writes are fsync'd.
type FileStore struct {
	mu   sync.Mutex
	root string
}

type fileMeta struct {
	ContentType string `json:"content_type"`
}

// NewFileStore constructs a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: dir}, nil
}

// Put writes the blob to disk. A key that already exists is left untouched.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := writeSynced(path, data); err != nil {
		return err
	}
	meta, err := json.Marshal(fileMeta{ContentType: contentType})
	if err != nil {
		return err
	}
	return writeSynced(path+".meta", meta)
}

// Get reads the blob back from disk.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(key)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, "", false, nil
	} else if err != nil {
		return nil, "", false, err
	}

	var meta fileMeta
	raw, err := os.ReadFile(path + ".meta")
	if err == nil {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, "", false, fmt.Errorf("metadata for %s: %w", key, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", false, err
	}

	return data, meta.ContentType, true, nil
}

func (s *FileStore) blobPath(key string) string {
	// Keys may contain separators; flatten them so every blob stays in root.
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.root, safe)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
