package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and then in each parent directory, and returns the first path found.
// It returns "" if no directory up to the root contains name.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
