package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// tempPrefix marks in-flight writes. Files with this prefix are never served.
const tempPrefix = ".tmp-"

var (
	ErrInvalidName = errors.New("invalid stored file name")
	ErrNotFound    = errors.New("stored file not found")
)

// Store defines the interface for image storage backends.
type Store interface {
	Save(name string, data io.Reader) (int64, error)
	Open(name string) (afero.File, error)
	Stat(name string) (os.FileInfo, error)
	Delete(name string) error
	List() ([]os.FileInfo, error)
	EnsureDir() error
}

// FileSystemStore stores images in a single directory. All paths are
// resolved inside the root, so a name can never reach outside it.
type FileSystemStore struct {
	basePath string
	fs       afero.Fs
}

// NewFileSystemStore creates a store rooted at basePath on the OS filesystem.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{
		basePath: basePath,
		fs:       afero.NewBasePathFs(afero.NewOsFs(), basePath),
	}
}

// NewStoreWithFs creates a store over an existing filesystem, treating its
// root as the storage root.
func NewStoreWithFs(fs afero.Fs) *FileSystemStore {
	return &FileSystemStore{basePath: "/", fs: fs}
}

// NewName returns a collision-resistant stored name with the given extension.
// It is built from a random UUID and never contains the client's file name.
func NewName(ext string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext == "" {
		return id
	}
	return id + "." + ext
}

// ValidName reports whether name is a plain file name that may be stored.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || len(name) > 128 {
		return false
	}
	if strings.HasPrefix(name, tempPrefix) {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// EnsureDir creates the storage directory if it doesn't exist.
func (s *FileSystemStore) EnsureDir() error {
	if err := s.fs.MkdirAll("/", 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// Save writes data under name. The bytes go to a temporary file first and
// are renamed into place once fully written and synced, so readers never
// observe a partial image. Returns the number of bytes written.
func (s *FileSystemStore) Save(name string, data io.Reader) (int64, error) {
	if !ValidName(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	tmp := "/" + tempPrefix + name
	file, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", tmp, err)
	}

	n, err := io.Copy(file, data)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// Clean up partial file on error
		s.fs.Remove(tmp)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := s.fs.Rename(tmp, "/"+name); err != nil {
		s.fs.Remove(tmp)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	return n, nil
}

// Open opens a stored file read-only.
func (s *FileSystemStore) Open(name string) (afero.File, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f, err := s.fs.Open("/" + name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Stat returns file info for a stored file.
func (s *FileSystemStore) Stat(name string) (os.FileInfo, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	info, err := s.fs.Stat("/" + name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return info, nil
}

// Delete removes a stored file. A missing file is not an error.
func (s *FileSystemStore) Delete(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := s.fs.Remove("/" + name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file %s: %w", name, err)
	}
	return nil
}

// List returns every regular file in the storage root, including leftover
// temporary files.
func (s *FileSystemStore) List() ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}
	files := entries[:0]
	for _, e := range entries {
		if e.Mode().IsRegular() {
			files = append(files, e)
		}
	}
	return files, nil
}

// IsTemp reports whether name is an in-flight or abandoned write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
