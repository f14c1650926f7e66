package util

import (
	"os"
)

// IsRegularFile reports whether path names an existing regular file,
// following symlinks. An empty path is never a file.
func IsRegularFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
