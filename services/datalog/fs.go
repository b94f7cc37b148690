// services/datalog/fs.go
package datalog

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the storage card filesystem as the logger uses it. Names are
// slash-separated and relative to the card root.
type FS interface {
	MkdirAll(name string) error
	Exists(name string) (bool, error)
	// Create truncates or creates name for writing.
	Create(name string) (io.WriteCloser, error)
	// Append opens name for appending, creating it if needed.
	Append(name string) (io.WriteCloser, error)
}

// DirFS roots an FS at a host directory (the mount point of the card).
type DirFS struct {
	Root string
}

func (d DirFS) path(name string) string { return filepath.Join(d.Root, filepath.FromSlash(name)) }

func (d DirFS) MkdirAll(name string) error { return os.MkdirAll(d.path(name), 0o755) }

func (d DirFS) Exists(name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d DirFS) Create(name string) (io.WriteCloser, error) {
	return os.OpenFile(d.path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

func (d DirFS) Append(name string) (io.WriteCloser, error) {
	return os.OpenFile(d.path(name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
