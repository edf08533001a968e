package block

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigIOError reports a filesystem failure on a config file.
type ConfigIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConfigIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigIOError) Unwrap() error { return e.Err }

// File is a user-owned text file holding at most one managed block.
type File struct {
	Path    string
	Markers Markers
	// Perm is used when the file has to be created. Zero means 0600.
	Perm os.FileMode
}

// Read returns the file contents. A missing file reads as empty with
// exists=false.
func (f File) Read() (text string, exists bool, err error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, &ConfigIOError{Op: "read", Path: f.Path, Err: err}
	}
	return string(data), true, nil
}

// Present reports whether the file holds a block.
func (f File) Present() (bool, error) {
	text, _, err := f.Read()
	if err != nil {
		return false, err
	}
	return f.Markers.Present(text), nil
}

// Write replaces the file contents atomically and keeps the previous contents
// in a sibling .bak file (last backup wins). A symlinked path is written
// through to its target so the link survives.
func (f File) Write(text string) error {
	path := strings.TrimSpace(f.Path)
	if path == "" {
		return &ConfigIOError{Op: "write", Path: f.Path, Err: errors.New("empty path")}
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	} else if !errors.Is(err, os.ErrNotExist) {
		return &ConfigIOError{Op: "resolve", Path: path, Err: err}
	}

	perm := f.Perm
	if perm == 0 {
		perm = 0o600
	}
	if st, err := os.Stat(path); err == nil {
		perm = st.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &ConfigIOError{Op: "create directory for", Path: path, Err: err}
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", data, 0o600)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), perm); err != nil {
		return &ConfigIOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &ConfigIOError{Op: "replace", Path: path, Err: err}
	}
	return nil
}

// Remove strips the block and rewrites the file. A missing file or missing
// block is not an error; removed reports whether anything changed.
func (f File) Remove() (removed bool, err error) {
	text, exists, err := f.Read()
	if err != nil {
		return false, err
	}
	if !exists {
		log.WithField("path", f.Path).Warn("file does not exist; nothing to remove")
		return false, nil
	}
	stripped, ok := f.Markers.Strip(text)
	if !ok {
		log.WithField("path", f.Path).Warn("Unable to locate managed section. Continuing.")
		return false, nil
	}
	if err := f.Write(stripped); err != nil {
		return false, err
	}
	return true, nil
}
