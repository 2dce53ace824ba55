package storage

import (
	"os"
	"path/filepath"
)

// Test seams for simulating a crash between writing and renaming.
var (
	renameFile = os.Rename
	syncDir    = fsyncDir
)

// WriteFileAtomic replaces path with data so that readers only ever see the
// old or the new content: write a temp file in the same directory, fsync
// it, rename it over path, then fsync the directory.
//
// On failure the target is left as it was and the temp file, if one was
// written, is kept and reported in the returned *IOError.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "create temp for", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IOError{Op: "write", Path: path, Temp: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IOError{Op: "sync", Path: path, Temp: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Temp: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return &IOError{Op: "chmod", Path: path, Temp: tmpName, Err: err}
	}
	if err := renameFile(tmpName, path); err != nil {
		return &IOError{Op: "rename", Path: path, Temp: tmpName, Err: err}
	}
	if err := syncDir(dir); err != nil {
		return &IOError{Op: "sync dir of", Path: path, Err: err}
	}
	return nil
}

// leftoverTemps lists temp files that failed commits left behind in dir.
func leftoverTemps(dir string) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	return matches
}
