// isolation/utility/path.go
package utility

import (
	"os"
	"path/filepath"
)

// GetProjectRoot returns the root directory of the project where the executable is located.
func GetProjectRoot() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

// DefaultConfigPath returns <executable dir>/name when such a file exists,
// and "" otherwise.
func DefaultConfigPath(name string) string {
	root, err := GetProjectRoot()
	if err != nil {
		return ""
	}
	p := filepath.Join(root, name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
