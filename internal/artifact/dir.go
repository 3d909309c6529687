// Package artifact owns the transient files a signing operation needs: the
// staged request, the rendered extension file and the engine's output. Each
// signing gets its own directory, named by a random request id, which is
// removed on every exit path.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// File names inside a request directory.
const (
	CSRFile = "request.csr"
	ExtFile = "extensions.cnf"
	OutFile = "certificate.crt"
)

var (
	// ErrArtifactIO indicates staging, reading or removing request artifacts failed
	ErrArtifactIO = errors.New("artifact I/O error")
	// ErrInvalidRequestID indicates a request id is not a lower-case UUID
	ErrInvalidRequestID = errors.New("invalid request ID format")
	// ErrRequestExists indicates the request directory is already present
	ErrRequestExists = errors.New("request directory already exists")
	// ErrSigningPanic indicates the signing function panicked
	ErrSigningPanic = errors.New("signing operation panicked")

	// requestIDPattern validates UUID format; ids become directory names
	requestIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)
)

// validateRequestID rejects anything that is not a request id.
func validateRequestID(id string) error {
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRequestID, id)
	}
	return nil
}

// Entry describes a request directory found under the root.
type Entry struct {
	ID      string
	ModTime time.Time
}

// Dir is the transient storage provider. All access goes through an os.Root
// so no name can resolve outside the base directory, even through symlinks.
type Dir struct {
	path string
	root *os.Root
}

// OpenDir creates (0700) and opens the base directory for request artifacts.
func OpenDir(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact directory: %w", err)
	}

	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact directory: %w", err)
	}

	return &Dir{path: abs, root: root}, nil
}

// Close releases the root handle.
func (d *Dir) Close() error {
	return d.root.Close()
}

// Path returns the base directory.
func (d *Dir) Path() string {
	return d.path
}

// FilePath returns the absolute path of a file inside a request directory,
// for engines that take file names as arguments.
func (d *Dir) FilePath(id, name string) string {
	return filepath.Join(d.path, id, name)
}

// Create makes the request directory. It fails with ErrRequestExists when
// the id is already in use.
func (d *Dir) Create(id string) error {
	if err := validateRequestID(id); err != nil {
		return err
	}

	if err := d.root.Mkdir(id, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrRequestExists, id)
		}
		return fmt.Errorf("%w: create request directory: %v", ErrArtifactIO, err)
	}
	return nil
}

// WriteFile creates a new 0600 file in the request directory. Existing
// files are never overwritten.
func (d *Dir) WriteFile(id, name string, data []byte) error {
	if err := validateRequestID(id); err != nil {
		return err
	}

	f, err := d.root.OpenFile(filepath.Join(id, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrArtifactIO, name, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrArtifactIO, name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrArtifactIO, name, err)
	}

	return nil
}

// ReadFile reads a file from the request directory.
func (d *Dir) ReadFile(id, name string) ([]byte, error) {
	if err := validateRequestID(id); err != nil {
		return nil, err
	}

	data, err := d.root.ReadFile(filepath.Join(id, name))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrArtifactIO, name, err)
	}
	return data, nil
}

// Exists reports whether the request directory is present.
func (d *Dir) Exists(id string) bool {
	if validateRequestID(id) != nil {
		return false
	}
	_, err := d.root.Stat(id)
	return err == nil
}

// Remove deletes the request directory and everything in it. Removing a
// missing directory is not an error.
func (d *Dir) Remove(id string) error {
	if err := validateRequestID(id); err != nil {
		return err
	}

	if err := d.root.RemoveAll(id); err != nil {
		return fmt.Errorf("%w: remove request directory: %v", ErrArtifactIO, err)
	}
	return nil
}

// List returns the request directories currently present. Names that are
// not request ids are ignored.
func (d *Dir) List() ([]Entry, error) {
	entries, err := fs.ReadDir(d.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("%w: list artifact directory: %v", ErrArtifactIO, err)
	}

	var out []Entry
	for _, entry := range entries {
		if !entry.IsDir() || validateRequestID(entry.Name()) != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, Entry{ID: entry.Name(), ModTime: info.ModTime()})
	}

	return out, nil
}
