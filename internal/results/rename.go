package results

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Strategy maps a file's path relative to a run's output directory to its name
// in the destination directory, or rejects it.
type Strategy interface {
	Transform(rel string) (string, bool)
}

// RunIDRenamer flattens a relative path into "<runId>_<segments joined by _>".
// Every name carries its run id, so files from different runs never collide.
type RunIDRenamer struct {
	RunID int64
}

func (r RunIDRenamer) Rename(rel string) string {
	segments := strings.Split(filepath.ToSlash(rel), "/")
	return strconv.FormatInt(r.RunID, 10) + "_" + strings.Join(segments, "_")
}

func (r RunIDRenamer) Transform(rel string) (string, bool) {
	return r.Rename(rel), true
}

type filteredStrategy struct {
	renamer RunIDRenamer
	filter  *Filter
}

func (s filteredStrategy) Transform(rel string) (string, bool) {
	if !s.filter.Match(filepath.ToSlash(rel)) {
		return "", false
	}
	return s.renamer.Transform(rel)
}

// RunStrategy renames by run id and drops files rejected by filter (nil accepts all).
func RunStrategy(runID int64, filter *Filter) Strategy {
	return filteredStrategy{renamer: RunIDRenamer{RunID: runID}, filter: filter}
}
