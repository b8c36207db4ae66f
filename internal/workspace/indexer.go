// Package workspace holds the indexing and retrieval placeholders.
// Nothing is embedded or stored yet: indexing walks and reads the tree,
// retrieval answers with an empty result.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/worldland/worldland-probe/internal/domain"
)

// ErrWorkspaceNotFound is returned when the workspace root does not exist
var ErrWorkspaceNotFound = errors.New("workspace path does not exist")

const progressEvery = 10

// Indexer walks workspaces
type Indexer struct {
	logger *slog.Logger
}

// NewIndexer creates an indexer that logs through logger (nil uses slog.Default)
func NewIndexer(logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{logger: logger}
}

// Index visits every regular file under root and reads it. Unreadable files
// are logged and counted in IndexStats.Failed; they never abort the walk.
// persistDir is accepted for the future vector store and currently unused.
func (ix *Indexer) Index(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return domain.IndexStats{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, root)
		}
		return domain.IndexStats{}, fmt.Errorf("failed to stat workspace: %w", err)
	}
	// WalkDir does not descend into a symlinked root; links below it stay skipped
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return domain.IndexStats{}, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	ix.logger.Info("starting file indexing", "workspace", root, "persist_dir", persistDir)
	start := time.Now()

	total, err := countFiles(ctx, resolved)
	if err != nil {
		return domain.IndexStats{}, err
	}

	var stats domain.IndexStats
	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil || !d.Type().IsRegular() {
			return nil
		}

		stats.Files++
		if stats.Files%progressEvery == 0 {
			ix.logger.Info("indexing progress", "processed", stats.Files, "total", total)
		}

		if _, err := os.ReadFile(path); err != nil {
			stats.Failed++
			ix.logger.Error("failed to process file", "path", path, "error", err)
			return nil
		}
		ix.logger.Debug("processed file", "path", path)
		return nil
	})
	if err != nil {
		return stats, err
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	ix.logger.Info("completed indexing", "files", stats.Files, "failed", stats.Failed, "duration", time.Since(start))
	return stats, nil
}

// countFiles is the first pass, used only for progress reporting
func countFiles(ctx context.Context, root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n, err
}

// Retrieve returns the fixed empty result annotated with the request
func Retrieve(query string, n int) domain.RetrievalResult {
	return domain.RetrievalResult{
		Results: []string{},
		Metadata: domain.RetrievalMetadata{
			Query:    query,
			NResults: n,
		},
	}
}
