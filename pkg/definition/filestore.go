package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/entrhq/monkey/pkg/types"
)

// Store persists server definitions.
type Store interface {
	List(ctx context.Context) ([]Server, error)
	Get(ctx context.Context, id string) (Server, error)
	Save(ctx context.Context, s Server) error
	Delete(ctx context.Context, id string) error
}

const (
	lockFileName       = ".monkey.lock"
	defaultLockTimeout = 10 * time.Second
	fileMode           = 0o644
	dirMode            = 0o755
)

// FileStore keeps one definition file per server in a directory. Writes are
// atomic (temp file and rename) and serialized across processes with an
// advisory lock on the directory.
type FileStore struct {
	dir         string
	format      Format
	lockTimeout time.Duration
}

// NewFileStore creates a store in dir, writing new files in format.
func NewFileStore(dir string, format Format) (*FileStore, error) {
	if format == "" {
		format = FormatYAML
	}
	switch format {
	case FormatJSON, FormatYAML, FormatTOML:
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create definitions directory: %w", err)
	}
	return &FileStore{dir: dir, format: format, lockTimeout: defaultLockTimeout}, nil
}

// Dir returns the directory the store reads and writes.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// List loads every definition in the directory, sorted by id. Files that
// fail to load are skipped and reported together in the returned error,
// alongside the definitions that did load.
func (fs *FileStore) List(ctx context.Context) ([]Server, error) {
	var servers []Server
	var errs []error
	err := fs.withLock(ctx, func() error {
		paths, err := fs.files()
		if err != nil {
			return err
		}
		seen := make(map[string]string)
		for _, path := range paths {
			s, err := LoadFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if prev, dup := seen[s.ID]; dup {
				errs = append(errs, fmt.Errorf("%s: server id %q already defined in %s", path, s.ID, prev))
				continue
			}
			seen[s.ID] = path
			servers = append(servers, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, errors.Join(errs...)
}

// Get loads the definition of one server.
func (fs *FileStore) Get(ctx context.Context, id string) (Server, error) {
	var s Server
	err := fs.withLock(ctx, func() error {
		path, ok := fs.pathOf(id)
		if !ok {
			return types.Errorf(types.KindNotFound, "server definition %q not found", id)
		}
		var err error
		s, err = LoadFile(path)
		return err
	})
	return s, err
}

// Save writes a definition, keeping the format of an existing file.
func (fs *FileStore) Save(ctx context.Context, s Server) error {
	s = s.Normalize()
	if err := s.Validate(); err != nil {
		return err
	}
	return fs.withLock(ctx, func() error {
		path, ok := fs.pathOf(s.ID)
		format := fs.format
		if ok {
			if f, err := FormatFromPath(path); err == nil {
				format = f
			}
		} else {
			path = filepath.Join(fs.dir, s.ID+"."+string(format))
		}
		data, err := Marshal(s, format)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", s.ID, err)
		}
		return writeFileAtomic(path, data)
	})
}

// Delete removes a definition. Deleting a missing definition is not an
// error.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	return fs.withLock(ctx, func() error {
		for _, ext := range Extensions {
			path := filepath.Join(fs.dir, id+ext)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}
		return nil
	})
}

// files lists definition files in the directory.
func (fs *FileStore) files() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsDefinitionFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(fs.dir, e.Name()))
	}
	return paths, nil
}

func (fs *FileStore) pathOf(id string) (string, bool) {
	if !idPattern.MatchString(id) {
		return "", false
	}
	for _, ext := range Extensions {
		path := filepath.Join(fs.dir, id+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

func (fs *FileStore) withLock(ctx context.Context, fn func() error) error {
	lock := flock.New(filepath.Join(fs.dir, lockFileName))

	ctx, cancel := context.WithTimeout(ctx, fs.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock definitions directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to lock definitions directory within %s", fs.lockTimeout)
	}
	defer lock.Unlock()

	return fn()
}

// IsDefinitionFile reports whether name looks like a definition file.
// Hidden and temporary files are ignored.
func IsDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, err := FormatFromPath(name)
	return err == nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
