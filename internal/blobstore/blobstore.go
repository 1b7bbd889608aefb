// Package blobstore provides compressed, content-addressed storage of
// message bodies keyed by (message_id, kind). It is grounded on the
// file-based blob store design used by the system this package was
// distilled from: shard by the first two characters of the message id,
// compress with zstd, write-temp-then-rename for atomicity.
package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Kind identifies which part of a message a blob holds.
type Kind string

const (
	KindPlain Kind = "plain"
	KindRich  Kind = "rich"
)

// Key addresses a single blob. PartID is only used for attachments and is
// empty for whole-body blobs.
type Key struct {
	MessageID string
	Kind      Kind
	PartID    string
}

func (k Key) filename() string {
	if k.PartID != "" {
		return fmt.Sprintf("%s.%s.%s.zst", k.MessageID, k.Kind, k.PartID)
	}
	return fmt.Sprintf("%s.%s.zst", k.MessageID, k.Kind)
}

// Store is the blob store capability. Backends other than FileStore (an
// embedded KV store, object storage) may satisfy this contract without
// affecting any other component.
type Store interface {
	Put(key Key, data []byte) error
	Get(key Key) ([]byte, error)
	Exists(key Key) (bool, error)
	Delete(key Key) error
	DeleteAllForMessage(messageID string) error
	Clear() error
}

// FileStore is a filesystem-backed, zstd-compressed Store sharded by the
// first two characters of the message id to avoid large flat directories.
type FileStore struct {
	root string

	// encoder/decoder are stateful and reused across calls for efficiency;
	// mu serializes access since compression happens off the single
	// metadata-store writer and callers may invoke Put/Get concurrently.
	mu      sync.Mutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore creates (if needed) root and returns a FileStore rooted
// there.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob storage directory: %w", err)
	}

	// Level 3 is the library's balance of speed vs. ratio, a good default
	// for mail bodies (mostly text, rarely huge).
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &FileStore{root: root, encoder: enc, decoder: dec}, nil
}

func shard(messageID string) string {
	if len(messageID) >= 2 {
		return messageID[:2]
	}
	return "xx"
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.root, shard(key.MessageID), key.filename())
}

// Put compresses data and writes it atomically (temp file + rename) under
// key. An interrupted Put leaves either no file or the previous one in
// place, never a half-written final path.
func (s *FileStore) Put(key Key, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}

	s.mu.Lock()
	var buf bytes.Buffer
	s.encoder.Reset(&buf)
	_, writeErr := s.encoder.Write(data)
	closeErr := s.encoder.Close()
	s.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("failed to compress blob: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to finalize blob compression: %w", closeErr)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}

	return nil
}

// Get decompresses and returns the blob at key, or (nil, nil) if absent.
func (s *FileStore) Get(key Key) ([]byte, error) {
	path := s.path(key)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.decoder.Reset(bytes.NewReader(compressed)); err != nil {
		return nil, fmt.Errorf("failed to open blob decoder: %w", err)
	}
	decompressed, err := io.ReadAll(s.decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return decompressed, nil
}

// Exists reports whether a blob is present at key.
func (s *FileStore) Exists(key Key) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// Delete removes the blob at key. Deleting an absent key is not an error.
func (s *FileStore) Delete(key Key) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// DeleteAllForMessage removes every blob filed under messageID's shard
// whose filename is prefixed with the message id.
func (s *FileStore) DeleteAllForMessage(messageID string) error {
	dir := filepath.Join(s.root, shard(messageID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list shard directory: %w", err)
	}

	prefix := messageID + "."
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete blob %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Clear removes every blob in the store.
func (s *FileStore) Clear() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to clear blob store: %w", err)
	}
	return os.MkdirAll(s.root, 0700)
}
