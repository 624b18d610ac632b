// Package service installs the minechat daemon as a per-user background
// service: a launchd agent on macOS, a systemd user unit on Linux and a Run
// registry entry on Windows.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/batalabs/minechat/internal/config"
	"github.com/batalabs/minechat/internal/daemon"
)

const (
	launchdLabel = "dev.minechat.daemon"
	systemdName  = "minechat"
	registryKey  = `HKCU\Software\Microsoft\Windows\CurrentVersion\Run`
	registryName = "minechat"
)

// Actions lists the supported actions in display order.
var Actions = []string{"install", "uninstall", "status", "start", "stop"}

// Runner executes an external command and returns its combined output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Manager installs and controls the service for one platform.
type Manager struct {
	GOOS    string
	Exe     string
	Home    string
	LogPath string
	Run     Runner
	Out     io.Writer
}

// New returns a manager for the running platform and executable.
func New(out io.Writer) (*Manager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	logPath := filepath.Join(os.TempDir(), "minechat-daemon.log")
	if dir, err := config.DataDir(); err == nil {
		logPath = filepath.Join(dir, "daemon.log")
	}
	return &Manager{GOOS: runtime.GOOS, Exe: exe, Home: home, LogPath: logPath, Run: execRunner, Out: out}, nil
}

// Do runs one of Actions.
func (m *Manager) Do(action string) error {
	switch strings.ToLower(action) {
	case "install":
		return m.Install()
	case "uninstall":
		return m.Uninstall()
	case "status":
		return m.Status()
	case "start":
		return m.Start()
	case "stop":
		return m.Stop()
	}
	return fmt.Errorf("unknown service action %q (use %s)", action, strings.Join(Actions, "|"))
}

// ---------------------------------------------------------------------------
// Unit files
// ---------------------------------------------------------------------------

// UnitPath is where the launchd plist or systemd unit is written. Windows
// has no file.
func (m *Manager) UnitPath() string {
	switch m.GOOS {
	case "darwin":
		return filepath.Join(m.Home, "Library", "LaunchAgents", launchdLabel+".plist")
	case "linux":
		return filepath.Join(m.Home, ".config", "systemd", "user", systemdName+".service")
	}
	return ""
}

var launchdTmpl = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exe}}</string>
        <string>serve</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.Log}}</string>
</dict>
</plist>
`))

var systemdTmpl = template.Must(template.New("unit").Parse(`[Unit]
Description=minechat daemon
After=network.target

[Service]
Type=simple
ExecStart={{.Exe}} serve
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.Log}}
StandardError=append:{{.Log}}

[Install]
WantedBy=default.target
`))

// UnitFile renders the service definition for the platform.
func (m *Manager) UnitFile() (string, error) {
	var t *template.Template
	switch m.GOOS {
	case "darwin":
		t = launchdTmpl
	case "linux":
		t = systemdTmpl
	default:
		return "", fmt.Errorf("no unit file on %s", m.GOOS)
	}
	var b strings.Builder
	err := t.Execute(&b, struct{ Label, Exe, Log string }{launchdLabel, m.Exe, m.LogPath})
	return b.String(), err
}

func (m *Manager) run(name string, args ...string) error {
	out, err := m.Run(name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, args[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// Install writes the service definition and enables it.
func (m *Manager) Install() error {
	if m.GOOS == "windows" {
		value := fmt.Sprintf(`"%s" serve`, m.Exe)
		if err := m.run("reg", "add", registryKey, "/v", registryName, "/t", "REG_SZ", "/d", value, "/f"); err != nil {
			return err
		}
		fmt.Fprintf(m.Out, "Service installed (startup entry %s\\%s)\n", registryKey, registryName)
		return nil
	}

	unit, err := m.UnitFile()
	if err != nil {
		return err
	}
	path := m.UnitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	switch m.GOOS {
	case "darwin":
		err = m.run("launchctl", "load", "-w", path)
	case "linux":
		if err = m.run("systemctl", "--user", "daemon-reload"); err == nil {
			err = m.run("systemctl", "--user", "enable", systemdName)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "Service installed: %s\n", path)
	return nil
}

// Uninstall disables the service and removes its definition. Failures to
// stop a service that is not running are ignored.
func (m *Manager) Uninstall() error {
	switch m.GOOS {
	case "windows":
		if err := m.run("reg", "delete", registryKey, "/v", registryName, "/f"); err != nil {
			return err
		}
		fmt.Fprintln(m.Out, "Service uninstalled.")
		return nil
	case "darwin":
		_, _ = m.Run("launchctl", "unload", "-w", m.UnitPath())
	case "linux":
		_, _ = m.Run("systemctl", "--user", "stop", systemdName)
		_, _ = m.Run("systemctl", "--user", "disable", systemdName)
	default:
		return fmt.Errorf("unsupported platform: %s", m.GOOS)
	}
	if err := os.Remove(m.UnitPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", m.UnitPath(), err)
	}
	if m.GOOS == "linux" {
		_, _ = m.Run("systemctl", "--user", "daemon-reload")
	}
	fmt.Fprintln(m.Out, "Service uninstalled.")
	return nil
}

// Status prints what the service manager reports and whether a daemon
// answers.
func (m *Manager) Status() error {
	switch m.GOOS {
	case "darwin":
		if out, err := m.Run("launchctl", "list", launchdLabel); err != nil {
			fmt.Fprintln(m.Out, "Service is not loaded.")
		} else {
			fmt.Fprintln(m.Out, strings.TrimSpace(string(out)))
		}
	case "linux":
		// status exits non-zero for inactive units; the output is still useful.
		out, _ := m.Run("systemctl", "--user", "status", systemdName)
		fmt.Fprintln(m.Out, strings.TrimSpace(string(out)))
	case "windows":
		if out, err := m.Run("reg", "query", registryKey, "/v", registryName); err != nil {
			fmt.Fprintln(m.Out, "Service is not installed.")
		} else {
			fmt.Fprintln(m.Out, strings.TrimSpace(string(out)))
		}
	default:
		return fmt.Errorf("unsupported platform: %s", m.GOOS)
	}

	if lf, err := daemon.ReadLockfile(); err == nil && !lf.Stale() {
		fmt.Fprintf(m.Out, "Daemon running: pid %d, %s\n", lf.PID, lf.BaseURL())
	} else {
		fmt.Fprintln(m.Out, "Daemon is not running.")
	}
	return nil
}

// Start starts the installed service. On Windows the daemon is launched
// detached.
func (m *Manager) Start() error {
	var err error
	switch m.GOOS {
	case "darwin":
		err = m.run("launchctl", "start", launchdLabel)
	case "linux":
		err = m.run("systemctl", "--user", "start", systemdName)
	case "windows":
		cmd := exec.Command(m.Exe, "serve")
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting daemon: %w", err)
		}
		pid := cmd.Process.Pid
		_ = cmd.Process.Release()
		fmt.Fprintf(m.Out, "Daemon started (pid %d).\n", pid)
		return nil
	default:
		return fmt.Errorf("unsupported platform: %s", m.GOOS)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "Service started.")
	return nil
}

// Stop stops the service. On Windows the daemon in the lockfile is killed.
func (m *Manager) Stop() error {
	var err error
	switch m.GOOS {
	case "darwin":
		err = m.run("launchctl", "stop", launchdLabel)
	case "linux":
		err = m.run("systemctl", "--user", "stop", systemdName)
	case "windows":
		lf, rerr := daemon.ReadLockfile()
		if rerr != nil {
			return fmt.Errorf("stopping daemon: %w", rerr)
		}
		proc, ferr := os.FindProcess(lf.PID)
		if ferr != nil {
			return fmt.Errorf("finding process: %w", ferr)
		}
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("killing process: %w", err)
		}
		err = daemon.RemoveLockfile()
	default:
		return fmt.Errorf("unsupported platform: %s", m.GOOS)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "Service stopped.")
	return nil
}
