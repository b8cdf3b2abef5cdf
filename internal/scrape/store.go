package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ContentStore keeps raw page content on disk.
type ContentStore struct {
	dir string
}

// NewContentStore creates the directory if needed.
func NewContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating content directory: %w", err)
	}
	return &ContentStore{dir: dir}, nil
}

// PathFor returns the file a URL's content is stored in.
func (s *ContentStore) PathFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+".html")
}

// Save writes content for url and returns its path. The file is replaced
// atomically so concurrent readers never see a partial write.
func (s *ContentStore) Save(url, content string) (string, error) {
	path := s.PathFor(url)

	tmp, err := os.CreateTemp(s.dir, ".content-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing content file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("storing content: %w", err)
	}
	return path, nil
}

// Load reads content previously written by Save.
func (s *ContentStore) Load(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}
	return string(b), nil
}
