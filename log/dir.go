package log

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "clipscribe"

func getDefaultDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName, "logs"), nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", appName, "logs"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName), nil
	}

	// Linux and BSDs: XDG_STATE_HOME, default ~/.local/state
	state := os.Getenv("XDG_STATE_HOME")
	if state == "" {
		state = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(state, appName, "logs"), nil
}
