// Package service manages the micmond systemd user service unit.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	unitName   = "micmond.service"
	binaryName = "micmond"
)

// UnitContents returns the systemd unit file contents. An empty configPath
// leaves micmond on its default config location.
func UnitContents(binaryPath, configPath string) string {
	cmdline := binaryPath
	if configPath != "" {
		cmdline += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=micmon daemon: reports which process activates the microphone
Documentation=https://github.com/modoterra/micmon
After=pipewire.service

[Service]
Type=notify
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, cmdline)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(configPath string) error {
	binaryPath, err := exec.LookPath(binaryName)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", binaryName, err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve %s path: %w", binaryName, err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("cannot resolve config path: %w", err)
		}
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(UnitContents(binaryPath, configPath)), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall() error {
	// Not running is fine.
	_ = systemctl("stop", unitName)
	_ = systemctl("disable", unitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

// Status returns a human-readable status string.
func Status(socketPath string) string {
	var lines []string

	if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else if err == nil {
		lines = append(lines, "socket: stale ("+socketPath+" is not a socket)")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			out, runErr := exec.Command("systemctl", "--user", "is-active", unitName).Output()
			state := strings.TrimSpace(string(out))
			if runErr != nil && state == "" {
				state = "unknown"
			}
			lines = append(lines, "systemd user service: "+state)
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
