package model

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type LogID int64

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleAgent:
		return nil
	default:
		return goerr.Wrap(ErrValidation, "unknown role", goerr.V("role", r))
	}
}

// LogEntry is one conversation turn. Entries are never edited or deleted.
type LogEntry struct {
	ID        LogID
	Role      Role
	Speaker   string
	Text      string
	Timestamp time.Time
}

func (e *LogEntry) Validate() error {
	if strings.TrimSpace(e.Text) == "" {
		return goerr.Wrap(ErrValidation, "log text is empty")
	}
	return e.Role.Validate()
}

// LogWindow is an inclusive range of log ids.
type LogWindow struct {
	Start LogID `json:"start"`
	End   LogID `json:"end"`
}

func (w LogWindow) Len() int {
	if w.End < w.Start {
		return 0
	}
	return int(w.End-w.Start) + 1
}

// Follows reports whether w starts right after prev ends.
func (w LogWindow) Follows(prev *LogWindow) bool {
	if prev == nil {
		return true
	}
	return w.Start == prev.End+1
}
