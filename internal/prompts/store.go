package prompts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BeetleBonsai798/EpubTranslate/internal/atomicfile"
)

// validKeyPattern matches valid prompt keys (alphanumeric with dots, underscores).
var validKeyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._]*$`)

// validBookPattern keeps book IDs to a single path element.
var validBookPattern = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N}._-]*$`)

const overrideExt = ".tmpl"

// Store reads and writes prompt override files under a directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a prompt override store rooted at dir. The directory
// need not exist; a missing directory simply has no overrides.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the override root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(bookID, key string) (string, error) {
	if !validKeyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid prompt key: %s", key)
	}
	if bookID == "" {
		return filepath.Join(s.dir, key+overrideExt), nil
	}
	if !validBookPattern.MatchString(bookID) {
		return "", fmt.Errorf("invalid book id: %s", bookID)
	}
	return filepath.Join(s.dir, bookID, key+overrideExt), nil
}

// Get returns the override for key, or nil if none exists. An empty bookID
// reads the global override.
func (s *Store) Get(ctx context.Context, bookID, key string) (*Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(bookID, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat prompt override: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt override: %w", err)
	}
	return &Override{
		BookID:    bookID,
		Key:       key,
		Text:      string(data),
		Path:      path,
		UpdatedAt: info.ModTime(),
	}, nil
}

// Set writes an override. An empty bookID writes a global override.
func (s *Store) Set(ctx context.Context, bookID, key, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(bookID, key)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write prompt override: %w", err)
	}
	s.logger.Info("saved prompt override", "key", key, "book_id", bookID, "path", path)
	return nil
}

// Delete removes an override. Deleting a missing override is not an error.
func (s *Store) Delete(ctx context.Context, bookID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(bookID, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete prompt override: %w", err)
	}
	return nil
}

// List returns the overrides that apply to bookID: its own files plus the
// global ones, sorted by key. Book files come before global files with the
// same key.
func (s *Store) List(ctx context.Context, bookID string) ([]Override, error) {
	var out []Override
	dirs := []string{""}
	if bookID != "" {
		dirs = []string{bookID, ""}
	}
	for _, b := range dirs {
		entries, err := os.ReadDir(filepath.Join(s.dir, b))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list prompt overrides: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), overrideExt) {
				continue
			}
			key := strings.TrimSuffix(e.Name(), overrideExt)
			o, err := s.Get(ctx, b, key)
			if err != nil {
				s.logger.Warn("skipping prompt override", "file", e.Name(), "error", err)
				continue
			}
			if o != nil {
				out = append(out, *o)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
