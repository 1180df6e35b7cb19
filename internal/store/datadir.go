package store

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// AppName names the per-user data directory
const AppName = "chat-p2p"

// DefaultDataDir resolves the per-user data directory:
//
//	linux:   ~/.local/share/chat-p2p
//	darwin:  ~/Library/Application Support/chat-p2p
//	windows: %APPDATA%\chat-p2p
//
// Other platforms fall back to ./chat-p2p-data.
func DefaultDataDir() (string, error) {
	switch runtime.GOOS {
	case "linux", "freebsd", "openbsd", "netbsd":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, ".local", "share", AppName), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, AppName), nil
	default:
		return filepath.Join(".", AppName+"-data"), nil
	}
}
