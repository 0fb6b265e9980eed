package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/resilient_updater/internal/logctx"
)

const (
	partialSuffix = ".part"
	extractPrefix = "extract-"
)

// InUseFunc lists paths that must survive a sweep, such as an installer waiting to be run.
type InUseFunc func() []string

// DeleteStale removes interrupted downloads (*.part) and extraction directories (extract-*)
// under dir that were last modified more than keep ago. Entries that are, or contain, a path
// reported by inUse are kept. It keeps going after a failure and returns the number of
// removed entries with every error combined.
func DeleteStale(ctx context.Context, dir string, keep time.Duration, inUse InUseFunc) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := time.Now().Add(-keep)

	var protected []string
	if inUse != nil {
		protected = inUse()
	}

	var (
		removed int
		result  *multierror.Error
	)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			result = multierror.Append(result, err)

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if path == dir {
			return nil
		}

		stale := d.IsDir() && strings.HasPrefix(d.Name(), extractPrefix) ||
			!d.IsDir() && strings.HasSuffix(d.Name(), partialSuffix)
		if !stale {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if !os.IsNotExist(err) {
				result = multierror.Append(result, err)
			}

			return nil
		}

		if info.ModTime().After(cutoff) || holdsAny(path, protected) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to delete stale file", "file", path, "err", err)
			result = multierror.Append(result, err)

			return nil
		}

		logger.Info("Deleted stale file", "file", path)
		removed++

		if d.IsDir() {
			return filepath.SkipDir
		}

		return nil
	})
	if walkErr != nil {
		result = multierror.Append(result, walkErr)
	}

	return removed, result.ErrorOrNil()
}

func holdsAny(path string, protected []string) bool {
	for _, p := range protected {
		if p == "" {
			continue
		}

		rel, err := filepath.Rel(path, p)
		if err == nil && filepath.IsLocal(rel) {
			return true
		}
	}

	return false
}

// Run calls DeleteStale once and then every interval until ctx is done.
func Run(ctx context.Context, dir string, keep, interval time.Duration, inUse InUseFunc) {
	logger := logctx.LoggerFromContext(ctx)

	sweep := func() {
		if _, err := DeleteStale(ctx, dir, keep, inUse); err != nil {
			logger.Warn("Stale download cleanup finished with errors", "dir", dir, "err", err)
		}
	}

	sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
