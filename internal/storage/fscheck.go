package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// remoteFilesystems cannot be trusted with SQLite or flock(2) locking.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "webdav"}

// RequireLocal fails when path, or the closest ancestor that exists, lives on
// a network filesystem. field names the setting to fix in the error.
func RequireLocal(path, field string) error {
	return requireLocal(path, field, FilesystemType)
}

func requireLocal(path, field string, fsType func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s is empty", field)
	}

	probe, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", field, path, err)
	}

	kind, err := fsType(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if isRemote(kind) {
		return fmt.Errorf("%s %q is on network filesystem %q; locking needs a local disk, point %s at a local path", field, path, kind, field)
	}
	return nil
}

// existingAncestor returns path itself when it exists, otherwise its closest
// existing parent.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		dir = parent
	}
}

func isRemote(kind string) bool {
	return slices.Contains(remoteFilesystems, strings.ToLower(strings.TrimSpace(kind)))
}
