package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// errUnknownFilesystem is returned by detectors that cannot identify the
// filesystem; validation lets those paths through.
var errUnknownFilesystem = errors.New("filesystem type unknown")

// networkFilesystems break the SQLite file locking that queue leases rely on.
var networkFilesystems = []string{"9p", "afpfs", "ceph", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// NetworkFSError rejects a state path on a network mount.
type NetworkFSError struct {
	Path   string
	FSType string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("state path %q is on network filesystem %q; move state.path to local disk", e.Path, e.FSType)
}

type fsDetector func(dir string) (string, error)

func validateSQLiteFilesystem(path string) error {
	return checkFilesystem(path, detectFilesystemType)
}

// checkFilesystem runs detect on the deepest existing directory of path,
// since the database file itself may not exist yet.
func checkFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(dir)
	switch {
	case errors.Is(err, errUnknownFilesystem):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if slices.Contains(networkFilesystems, strings.ToLower(strings.TrimSpace(fsType))) {
		return &NetworkFSError{Path: path, FSType: fsType}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		dir = parent
	}
}
