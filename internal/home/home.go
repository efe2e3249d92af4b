package home

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultDirName is the default name for the epubtranslate home directory.
	DefaultDirName = ".epubtranslate"

	// DataDirName is the subdirectory holding one directory per book.
	DataDirName = "data"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// EnvFileName holds API keys loaded before the config is read.
	EnvFileName = ".env"

	// PromptsDirName holds prompt overrides.
	PromptsDirName = "prompts"
)

// Dir represents the epubtranslate home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.epubtranslate).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnvPath returns the path to the .env file.
func (d *Dir) EnvPath() string {
	return filepath.Join(d.path, EnvFileName)
}

// PromptsDir returns the prompt override root.
func (d *Dir) PromptsDir() string {
	return filepath.Join(d.path, PromptsDirName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Create data directory (this also creates the parent)
	if err := os.MkdirAll(d.DataPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// BookDir returns the directory holding a book's run state, chunk files,
// context store, call log and output EPUB.
func (d *Dir) BookDir(bookID string) string {
	return filepath.Join(d.DataPath(), bookID)
}

// ContextDir returns the directory of a book's context store.
func (d *Dir) ContextDir(bookID string) string {
	return filepath.Join(d.BookDir(bookID), "context")
}

// CallsDBPath returns the path of a book's LLM call log.
func (d *Dir) CallsDBPath(bookID string) string {
	return filepath.Join(d.BookDir(bookID), "calls.db")
}

// EnsureBookDir creates the book directory and its context directory.
func (d *Dir) EnsureBookDir(bookID string) error {
	if err := os.MkdirAll(d.ContextDir(bookID), 0o755); err != nil {
		return fmt.Errorf("failed to create book directory: %w", err)
	}
	return nil
}

// Books lists the book ids that have a data directory.
func (d *Dir) Books() ([]string, error) {
	entries, err := os.ReadDir(d.DataPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

var unsafeID = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

// BookID derives a book id from an EPUB path: the file stem, NFC
// normalized, with runs of anything but letters, digits, '_' and '-'
// collapsed to '_'.
func BookID(epubPath string) string {
	stem := strings.TrimSuffix(filepath.Base(epubPath), filepath.Ext(epubPath))
	id := unsafeID.ReplaceAllString(norm.NFC.String(stem), "_")
	id = strings.Trim(id, "_")
	if id == "" {
		return "book"
	}
	return id
}
