package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// DefaultDataDir returns the per-user directory where artifacts live,
// e.g. ~/.local/share/localmind/models on Linux.
func DefaultDataDir(app string) (string, error) {
	if app == "" {
		app = "localmind"
	}
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, app, "models"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("data dir: %w", err)
		}
		return filepath.Join(home, "."+app, "models"), nil
	}
	if filepath.Base(base) == ".config" {
		// Linux: prefer ~/.local/share over ~/.config for large files.
		return filepath.Join(filepath.Dir(base), ".local", "share", app, "models"), nil
	}
	return filepath.Join(base, app, "models"), nil
}

// ResolveDir expands '~', makes the path absolute and creates it.
func ResolveDir(dir string) (string, error) {
	p, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	return abs, nil
}
