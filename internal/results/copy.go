package results

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type copyStats struct {
	copied   int
	filtered int
}

// copyDirectory copies every regular file under src into the flat directory
// dest, naming each file with strategy.
func copyDirectory(ctx context.Context, src, dest string, strategy Strategy) (copyStats, error) {
	var stats copyStats
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, fmt.Errorf("ensure destination %s: %w", dest, err)
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = filepath.Base(path)
		}
		name, ok := strategy.Transform(rel)
		if !ok {
			stats.filtered++
			return nil
		}
		if err := copyFile(path, filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("copy %s: %w", path, err)
		}
		stats.copied++
		return nil
	})
	return stats, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
