package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/batalabs/minechat/internal/config"
)

// LockfileName is the file in the data dir that advertises a running daemon.
const LockfileName = "daemon.lock"

// ErrNoDaemon means no lockfile exists.
var ErrNoDaemon = errors.New("no daemon running")

// Lockfile tells clients where the daemon listens and how to authenticate.
type Lockfile struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token,omitempty"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// BaseURL is the daemon's HTTP root.
func (lf *Lockfile) BaseURL() string {
	host := lf.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(lf.Port))
}

// Stale reports whether the owning process is gone or no longer answers
// its health check.
func (lf *Lockfile) Stale() bool {
	if !processAlive(lf.PID) {
		return true
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(lf.BaseURL() + "/api/health")
	if err != nil {
		return true
	}
	resp.Body.Close()
	return resp.StatusCode != http.StatusOK
}

// LockfilePath returns the path of the daemon lockfile.
func LockfilePath() (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", fmt.Errorf("lockfile path: %w", err)
	}
	return filepath.Join(dir, LockfileName), nil
}

// WriteLockfile atomically replaces the lockfile. PID and StartedAt default
// to the current process and time.
func WriteLockfile(lf Lockfile) error {
	p, err := LockfilePath()
	if err != nil {
		return err
	}
	if lf.PID == 0 {
		lf.PID = os.Getpid()
	}
	if lf.StartedAt.IsZero() {
		lf.StartedAt = time.Now().UTC()
	}
	b, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling lockfile: %w", err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing lockfile: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing lockfile: %w", err)
	}
	return nil
}

// ReadLockfile loads the lockfile. A missing file is ErrNoDaemon.
func ReadLockfile() (*Lockfile, error) {
	p, err := LockfilePath()
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoDaemon
	}
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	var lf Lockfile
	if err := json.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", p, err)
	}
	return &lf, nil
}

// RemoveLockfile deletes the lockfile if present.
func RemoveLockfile() error {
	p, err := LockfilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing lockfile: %w", err)
	}
	return nil
}
