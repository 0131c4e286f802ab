package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"filevault/pkg/storage"

	"github.com/google/uuid"
)

type memoryEntry struct {
	meta storage.FileMetadata
	data []byte
}

// MemoryStorage keeps files in a map owned by the instance. Nothing is
// durable; Close discards everything.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]memoryEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[uuid.UUID]memoryEntry)}
}

func cloneMetadata(meta storage.FileMetadata) storage.FileMetadata {
	meta.Hash = bytes.Clone(meta.Hash)
	return meta
}

func (s *MemoryStorage) Store(ctx context.Context, meta storage.FileMetadata, data io.Reader, size int64) (storage.FileMetadata, error) {
	buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
	if _, err := copyChunked(ctx, buf, data, DefaultBufferSize); err != nil {
		return storage.FileMetadata{}, fmt.Errorf("read payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[meta.FileID] = memoryEntry{meta: cloneMetadata(meta), data: buf.Bytes()}
	return meta, nil
}

func (s *MemoryStorage) lookup(fileID uuid.UUID) (memoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[fileID]
	if !ok {
		return memoryEntry{}, fmt.Errorf("%w: %s", storage.ErrNotFound, fileID)
	}
	return entry, nil
}

func (s *MemoryStorage) GetMetadata(_ context.Context, fileID uuid.UUID) (storage.FileMetadata, error) {
	entry, err := s.lookup(fileID)
	if err != nil {
		return storage.FileMetadata{}, err
	}
	return cloneMetadata(entry.meta), nil
}

// GetData returns a reader over the stored bytes. Entries are never mutated
// in place, so the slice is shared rather than copied.
func (s *MemoryStorage) GetData(_ context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	entry, err := s.lookup(fileID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(entry.data)), nil
}

func (s *MemoryStorage) Delete(_ context.Context, fileID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fileID)
	return nil
}

func (s *MemoryStorage) Exists(_ context.Context, fileID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[fileID]
	return ok, nil
}

// Close drops every stored entry.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}
