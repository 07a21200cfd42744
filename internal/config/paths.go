package config

import (
	"os"
	"path/filepath"
	"strings"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".wingrelay"), nil
}

// DefaultConfigPath is ~/.wingrelay/config.yaml, or config.yaml in the working
// directory when the home directory is unknown.
func DefaultConfigPath() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// EnsureConfigDir creates ~/.wingrelay if it does not exist.
func EnsureConfigDir() error {
	dir, err := GetUserConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
