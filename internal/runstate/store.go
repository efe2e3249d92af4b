package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BeetleBonsai798/EpubTranslate/internal/atomicfile"
)

// Store abstracts where the manifest and translation artifacts live.
// FileStore is the production implementation; MemoryStore backs unit
// tests and supports error injection.
type Store interface {
	// LoadManifest returns the stored manifest, or nil if none exists.
	LoadManifest(ctx context.Context) (*Manifest, error)

	// SaveManifest replaces the stored manifest atomically.
	SaveManifest(ctx context.Context, m *Manifest) error

	// WriteChunk stores a chunk translation and returns its relative path.
	WriteChunk(ctx context.Context, chapter, ordinal int, text string) (string, error)

	// ReadChunk returns a stored chunk translation.
	ReadChunk(ctx context.Context, chapter, ordinal int) (string, error)

	// RemoveChunks deletes every stored chunk of a chapter.
	RemoveChunks(ctx context.Context, chapter int) error

	// WriteChapter stores an assembled chapter translation and returns its
	// relative path.
	WriteChapter(ctx context.Context, chapter int, text string) (string, error)

	// ReadChapter returns an assembled chapter translation.
	ReadChapter(ctx context.Context, chapter int) (string, error)
}

// ManifestFile is the manifest file name inside a book directory.
const ManifestFile = "run.json"

// FileStore keeps state as plain files under a book directory:
//
//	run.json
//	chunks/<chapter>/<ordinal>.txt
//	chapters/<chapter>.txt
type FileStore struct {
	Dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

func chunkPath(chapter, ordinal int) string {
	return filepath.Join("chunks", strconv.Itoa(chapter), strconv.Itoa(ordinal)+".txt")
}

func chapterPath(chapter int) string {
	return filepath.Join("chapters", strconv.Itoa(chapter)+".txt")
}

func (s *FileStore) abs(rel string) string {
	return filepath.Join(s.Dir, rel)
}

// LoadManifest implements Store.
func (s *FileStore) LoadManifest(ctx context.Context) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.abs(ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// SaveManifest implements Store.
func (s *FileStore) SaveManifest(ctx context.Context, m *Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return atomicfile.WriteJSON(s.abs(ManifestFile), m)
}

// WriteChunk implements Store.
func (s *FileStore) WriteChunk(_ context.Context, chapter, ordinal int, text string) (string, error) {
	rel := chunkPath(chapter, ordinal)
	if err := atomicfile.WriteFile(s.abs(rel), []byte(text), 0o644); err != nil {
		return "", err
	}
	return rel, nil
}

// ReadChunk implements Store.
func (s *FileStore) ReadChunk(_ context.Context, chapter, ordinal int) (string, error) {
	data, err := os.ReadFile(s.abs(chunkPath(chapter, ordinal)))
	if err != nil {
		return "", fmt.Errorf("read chunk %d/%d: %w", chapter, ordinal, err)
	}
	return string(data), nil
}

// RemoveChunks implements Store.
func (s *FileStore) RemoveChunks(_ context.Context, chapter int) error {
	return os.RemoveAll(s.abs(filepath.Join("chunks", strconv.Itoa(chapter))))
}

// WriteChapter implements Store.
func (s *FileStore) WriteChapter(_ context.Context, chapter int, text string) (string, error) {
	rel := chapterPath(chapter)
	if err := atomicfile.WriteFile(s.abs(rel), []byte(text), 0o644); err != nil {
		return "", err
	}
	return rel, nil
}

// ReadChapter implements Store.
func (s *FileStore) ReadChapter(_ context.Context, chapter int) (string, error) {
	data, err := os.ReadFile(s.abs(chapterPath(chapter)))
	if err != nil {
		return "", fmt.Errorf("read chapter %d: %w", chapter, err)
	}
	return string(data), nil
}
