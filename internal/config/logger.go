package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFileName is the log file inside DataDir.
const LogFileName = "minechat.log"

// Logger writes timestamped log lines to ~/.local/share/minechat/minechat.log.
// A Logger that could not open its file discards everything.
type Logger struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// LogPath returns the log file path, or "" when the data dir is unavailable.
func LogPath() string {
	dir, err := DataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, LogFileName)
}

// NewLogger creates a logger that appends to the minechat log file.
func NewLogger() *Logger {
	p := LogPath()
	if p == "" {
		return &Logger{}
	}
	return NewFileLogger(p)
}

// NewFileLogger creates a logger appending to path.
func NewFileLogger(path string) *Logger {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return &Logger{}
	}
	return &Logger{w: f}
}

// NewWriterLogger creates a logger writing to w.
func NewWriterLogger(w io.WriteCloser) *Logger {
	return &Logger{w: w}
}

// Printf writes a timestamped log line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(l.w, ts+" "+format+"\n", args...)
}

// Close closes the log file.
func (l *Logger) Close() {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Close()
	l.w = nil
}
