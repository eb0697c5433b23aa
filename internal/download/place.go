package download

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// stagingDir returns the nearest existing directory at or above dir.
func stagingDir(dir string) (string, error) {
	for {
		info, err := os.Stat(dir)
		switch {
		case err == nil && info.IsDir():
			return dir, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing directory above %s", dir)
		}
		dir = parent
	}
}

// clearObstacles makes room for a file at dest. Regular files occupying a
// path where one of dest's parent directories belongs are removed, and so is
// an empty directory at dest itself. A non-empty directory is never removed.
func clearObstacles(dest string) error {
	for p := filepath.Dir(dest); ; {
		info, err := os.Stat(p)
		if err == nil {
			if info.IsDir() {
				break
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("%s is not a directory", p)
			}
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("remove file blocking directory %s: %w", p, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
			return err
		}

		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}

	info, err := os.Lstat(dest)
	if err != nil || !info.IsDir() {
		return nil
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is a non-empty directory", dest)
	}
	return os.Remove(dest)
}
