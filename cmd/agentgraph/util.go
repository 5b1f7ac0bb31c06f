package main

import (
	"os"
	"path/filepath"
)

// expandHome resolves a leading "~" against the user's home directory,
// mirroring rtconfig.Config.ExpandedStoragePath for the flags that take a
// storage path directly instead of through a loaded Config.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}
