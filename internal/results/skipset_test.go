package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(name), 0o644))
	}
}

func TestPreviouslyCopied(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "7_a.txt", "7_b.txt", "12_x.txt", "abc_def", "99", "x12_y")

	got, err := PreviouslyCopied(dir)
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{7: {}, 12: {}}, got)
}

func TestPreviouslyCopiedMissingDir(t *testing.T) {
	got, err := PreviouslyCopied(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRunIDRenamer(t *testing.T) {
	r := RunIDRenamer{RunID: 42}
	assert.Equal(t, "42_a.csv", r.Rename("a.csv"))
	assert.Equal(t, "42_plots_fig_1.png", r.Rename(filepath.Join("plots", "fig", "1.png")))

	// Identical relative paths from different runs never collide.
	assert.NotEqual(t, RunIDRenamer{RunID: 1}.Rename("out.csv"), RunIDRenamer{RunID: 11}.Rename("out.csv"))
}

func TestFilter(t *testing.T) {
	f, err := NewFilter(`\.csv$`)
	require.NoError(t, err)
	assert.True(t, f.Match("a.csv"))
	assert.True(t, f.Match("nested/b.csv"))
	assert.False(t, f.Match("log.txt"))

	none, err := NewFilter("", "  ")
	require.NoError(t, err)
	assert.True(t, none.Match("anything"))

	var nilFilter *Filter
	assert.True(t, nilFilter.Match("anything"))

	_, err = NewFilter("([")
	assert.Error(t, err)
}

func TestRunStrategyAppliesFilter(t *testing.T) {
	f, err := NewFilter(`^summary`)
	require.NoError(t, err)
	s := RunStrategy(5, f)

	name, ok := s.Transform(filepath.Join("stats", "summary.json"))
	assert.True(t, ok)
	assert.Equal(t, "5_stats_summary.json", name)

	_, ok = s.Transform("trace.log")
	assert.False(t, ok)
}
