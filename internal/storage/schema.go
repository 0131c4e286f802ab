package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema applies every SQL file under migrations/<dialect> in
// lexicographical order through exec. Files use IF NOT EXISTS so they may be
// applied repeatedly.
func initSchema(ctx context.Context, dialect string, exec func(ctx context.Context, statement string) error) error {
	root := path.Join("migrations", dialect)
	return fs.WalkDir(migrationsFS, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if execError := exec(ctx, string(content)); execError != nil {
			return fmt.Errorf("apply %s: %w", path, execError)
		}
		return nil
	})
}
