// Package store keeps the node's durable state as whole-file JSON documents
// in the per-user data directory. It does no locking of its own; callers
// serialize access to each file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	PeersFile    = "peers.json"
	IdentityFile = "identity.json"
	ChannelsFile = "channels.json"
)

// DataFiles lists every file owned by the store, in export order
var DataFiles = []string{PeersFile, IdentityFile, ChannelsFile}

var (
	// ErrIO marks failures reading or writing a data file
	ErrIO = errors.New("io failure")
	// ErrDecode marks a data file whose content is not the expected JSON
	ErrDecode = errors.New("decode failure")
)

// FileError reports a failed operation on one data file. It matches ErrIO or
// ErrDecode with errors.Is.
type FileError struct {
	Op   string
	File string
	Kind error
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.File, e.Kind, e.Err)
}

func (e *FileError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func ioError(op, file string, err error) error {
	return &FileError{Op: op, File: file, Kind: ErrIO, Err: err}
}

// Store reads and writes the data files under one directory
type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the data directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the full path of a data file
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) ensureDir() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return ioError("mkdir", s.dir, err)
	}
	return nil
}

// Load reads a JSON array document. A missing file yields an empty slice.
func Load[T any](s *Store, name string) ([]T, error) {
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, ioError("read", name, err)
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &FileError{Op: "decode", File: name, Kind: ErrDecode, Err: err}
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// Save replaces a JSON array document with items, pretty printed
func Save[T any](s *Store, name string, items []T) error {
	if items == nil {
		items = []T{}
	}
	return s.writeJSON(name, items)
}

// LoadIdentity returns the stored identity, or nil when none was saved yet
func (s *Store) LoadIdentity() (*NodeIdentity, error) {
	data, err := os.ReadFile(s.Path(IdentityFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("read", IdentityFile, err)
	}

	var id NodeIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, &FileError{Op: "decode", File: IdentityFile, Kind: ErrDecode, Err: err}
	}
	return &id, nil
}

// SaveIdentity writes the identity document
func (s *Store) SaveIdentity(id NodeIdentity) error {
	return s.writeJSON(IdentityFile, id)
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &FileError{Op: "encode", File: name, Kind: ErrDecode, Err: err}
	}
	return s.writeFile(name, data)
}

// writeFile replaces name atomically: the content goes to a temporary file in
// the same directory which is then renamed over the target.
func (s *Store) writeFile(name string, data []byte) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return ioError("create", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ioError("write", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ioError("sync", name, err)
	}
	if err := tmp.Close(); err != nil {
		return ioError("close", name, err)
	}
	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		return ioError("rename", name, err)
	}
	return nil
}

// Export copies every existing data file verbatim into dir
func (s *Store) Export(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ioError("mkdir", dir, err)
	}

	for _, name := range DataFiles {
		data, err := os.ReadFile(s.Path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return ioError("read", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return ioError("export", name, err)
		}
	}
	return nil
}

// Import copies every data file present in dir over the current one
func (s *Store) Import(dir string) error {
	for _, name := range DataFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return ioError("import", name, err)
		}
		if err := s.writeFile(name, data); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll deletes every data file that exists
func (s *Store) ClearAll() error {
	for _, name := range DataFiles {
		err := os.Remove(s.Path(name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioError("remove", name, err)
		}
	}
	return nil
}
