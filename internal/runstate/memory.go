package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type chunkKey struct{ chapter, ordinal int }

// MemoryStore implements Store in memory for unit tests. The manifest is
// kept as encoded JSON so a reload sees exactly what a FileStore would.
// Error injection fields simulate disk failures and crashes.
type MemoryStore struct {
	mu sync.Mutex

	manifest []byte
	chunks   map[chunkKey]string
	chapters map[int]string

	saves  int
	writes int

	// --- Error injection fields for testing ---

	// SaveErr is returned by SaveManifest when non-nil.
	SaveErr error

	// WriteErr is returned by WriteChunk and WriteChapter when non-nil.
	WriteErr error

	// ErrAfterNWrites fails every chunk/chapter write after N successful
	// ones. Zero disables it.
	ErrAfterNWrites int

	// ErrAfterNSaves fails every manifest save after N successful ones.
	// Zero disables it.
	ErrAfterNSaves int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:   make(map[chunkKey]string),
		chapters: make(map[int]string),
	}
}

// LoadManifest implements Store.
func (m *MemoryStore) LoadManifest(context.Context) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manifest == nil {
		return nil, nil
	}
	var out Manifest
	if err := json.Unmarshal(m.manifest, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveManifest implements Store.
func (m *MemoryStore) SaveManifest(_ context.Context, man *Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if m.ErrAfterNSaves > 0 && m.saves >= m.ErrAfterNSaves {
		return fmt.Errorf("injected manifest failure after %d saves", m.saves)
	}
	data, err := json.Marshal(man)
	if err != nil {
		return err
	}
	m.manifest = data
	m.saves++
	return nil
}

func (m *MemoryStore) checkWrite() error {
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if m.ErrAfterNWrites > 0 && m.writes >= m.ErrAfterNWrites {
		return fmt.Errorf("injected write failure after %d writes", m.writes)
	}
	m.writes++
	return nil
}

// WriteChunk implements Store.
func (m *MemoryStore) WriteChunk(_ context.Context, chapter, ordinal int, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return "", err
	}
	m.chunks[chunkKey{chapter, ordinal}] = text
	return chunkPath(chapter, ordinal), nil
}

// ReadChunk implements Store.
func (m *MemoryStore) ReadChunk(_ context.Context, chapter, ordinal int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.chunks[chunkKey{chapter, ordinal}]
	if !ok {
		return "", fmt.Errorf("chunk %d/%d not found", chapter, ordinal)
	}
	return text, nil
}

// RemoveChunks implements Store.
func (m *MemoryStore) RemoveChunks(_ context.Context, chapter int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.chunks {
		if k.chapter == chapter {
			delete(m.chunks, k)
		}
	}
	return nil
}

// WriteChapter implements Store.
func (m *MemoryStore) WriteChapter(_ context.Context, chapter int, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWrite(); err != nil {
		return "", err
	}
	m.chapters[chapter] = text
	return chapterPath(chapter), nil
}

// ReadChapter implements Store.
func (m *MemoryStore) ReadChapter(_ context.Context, chapter int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.chapters[chapter]
	if !ok {
		return "", fmt.Errorf("chapter %d not found", chapter)
	}
	return text, nil
}

// ChunkCount returns the number of stored chunk artifacts.
func (m *MemoryStore) ChunkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

// ClearFaults removes all injected failures, as after a restart.
func (m *MemoryStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr, m.WriteErr = nil, nil
	m.ErrAfterNWrites, m.ErrAfterNSaves = 0, 0
}
