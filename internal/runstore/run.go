// Package runstore keeps the run records shared by every machine taking part in a
// simulation campaign.
package runstore

import (
	"fmt"
	"strings"
	"time"
)

// Run states.
const (
	StateScheduled  = "scheduled"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateCopied     = "copied"
	StateCopyFailed = "copy_failed"
)

var knownStates = []string{
	StateScheduled,
	StateInProgress,
	StateCompleted,
	StateFailed,
	StateCopied,
	StateCopyFailed,
}

// Run is one scheduled or executed unit of work. OutputHost and OutputPath only
// mean something once the run has finished executing.
type Run struct {
	ID          int64
	Revision    string
	State       string
	OutputHost  string
	OutputPath  string
	Runset      string
	RunnerClass string
	Flags       string
	CreatedAt   time.Time
}

func (r Run) String() string {
	return fmt.Sprintf("run %d (state=%s host=%s path=%s runset=%s revision=%s)",
		r.ID, r.State, r.OutputHost, r.OutputPath, r.Runset, r.Revision)
}

// ValidState reports whether s is one of the known run states.
func ValidState(s string) bool {
	s = strings.TrimSpace(s)
	for _, known := range knownStates {
		if s == known {
			return true
		}
	}
	return false
}
