// Package session owns the PTY lifecycle: the control directory layout,
// session.json persistence, the PTY host and the per-session IPC socket.
package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// debugLog logs debug messages only if VIBETUNNEL_DEBUG is set.
func debugLog(format string, args ...interface{}) {
	if os.Getenv("VIBETUNNEL_DEBUG") != "" {
		log.Printf(format, args...)
	}
}

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// TitleMode mirrors stream.TitleMode; stored in session.json.
const (
	TitleModeNone    = "none"
	TitleModeFilter  = "filter"
	TitleModeStatic  = "static"
	TitleModeDynamic = "dynamic" // alias of static
)

// Config is the caller's request for a new session.
type Config struct {
	Name       string
	Command    []string
	WorkingDir string
	Env        map[string]string
	Cols       int
	Rows       int
	TitleMode  string
}

// Info is the persistent session record, serialized to session.json.
type Info struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Command     []string          `json:"command"`
	WorkingDir  string            `json:"workingDir"`
	Status      Status            `json:"status"`
	Pid         int               `json:"pid,omitempty"`
	ExitCode    *int              `json:"exitCode,omitempty"`
	InitialCols int               `json:"initialCols"`
	InitialRows int               `json:"initialRows"`
	Cols        int               `json:"cols"`
	Rows        int               `json:"rows"`
	TitleMode   string            `json:"titleMode,omitempty"`
	Term        string            `json:"term"`
	Env         map[string]string `json:"env,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	ExitedAt    *time.Time        `json:"exitedAt,omitempty"`
}

// Control directory layout:
//
//	<root>/<sessionId>/
//	  session.json
//	  stdout      asciinema v2 stream
//	  stdin       FIFO (reserved)
//	  ipc.sock    domain socket
const (
	InfoFileName   = "session.json"
	StdoutFileName = "stdout"
	StdinFileName  = "stdin"
	SocketFileName = "ipc.sock"
)

// Paths groups the on-disk locations of one session.
type Paths struct {
	Dir string
}

func (p Paths) Info() string   { return filepath.Join(p.Dir, InfoFileName) }
func (p Paths) Stdout() string { return filepath.Join(p.Dir, StdoutFileName) }
func (p Paths) Stdin() string  { return filepath.Join(p.Dir, StdinFileName) }
func (p Paths) Socket() string { return filepath.Join(p.Dir, SocketFileName) }

// SaveInfo atomically writes session.json via temp file + rename so a
// concurrent reader never observes a torn record.
func SaveInfo(dir string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session info: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, InfoFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename session info: %w", err)
	}
	return nil
}

// LoadInfo reads session.json from a control directory.
func LoadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFileName))
	if err != nil {
		return nil, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, NewSessionErrorWithCause("corrupt session.json", ErrControlFileCorrupted, "", err)
	}
	return &info, nil
}
