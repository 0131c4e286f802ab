package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

func copyFile(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		return err
	}
	return destFile.Close()
}

// moveFile renames srcPath to destPath, replacing any existing file. When the
// two paths are on different filesystems it copies the contents instead and
// removes the source afterwards.
func moveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(srcPath, destPath); err != nil {
		return err
	}

	// Ignore ENOENT in case something else already cleaned it up.
	if err := os.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// writeFileAtomic streams src into a temporary file under stagingDir and
// then moves it to destPath, so readers never observe a partially written
// file. The temporary file is removed on any failure, including
// cancellation of ctx.
func writeFileAtomic(ctx context.Context, stagingDir string, destPath string, src io.Reader, bufferSize int) (err error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	tmp, err := os.CreateTemp(stagingDir, filepath.Base(destPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = copyChunked(ctx, tmp, src, bufferSize); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err = moveFile(tmpPath, destPath); err != nil {
		return fmt.Errorf("move %s into place: %w", tmpPath, err)
	}
	return nil
}
