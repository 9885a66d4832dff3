package results

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strconv"
)

var copiedRunName = regexp.MustCompile(`^(\d+)_(?s:.*)$`)

// PreviouslyCopied reconstructs the set of runs already aggregated into dir from
// the names of its immediate entries: any "<digits>_..." entry marks that run as
// copied. A missing directory yields an empty set.
func PreviouslyCopied(dir string) (map[int64]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[int64]struct{}{}, nil
		}
		return nil, err
	}
	copied := make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		m := copiedRunName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		copied[id] = struct{}{}
	}
	return copied, nil
}
