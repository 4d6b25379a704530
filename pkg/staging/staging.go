// Package staging implements transfer-file upload handling (spec.md
// §4.9, C9): streamed writes into a cluster's dest_path with a size cap
// and mtime/size skip-if-unchanged idempotency. Grounded on the
// path-safety and directory-driver shape of pkg/volume/local.go, adapted
// from whole-directory volume mounts to single streamed-file writes.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ErrOversize is returned when the declared size exceeds maxSize.
type ErrOversize struct {
	Name string
	Size int64
	Max  int64
}

func (e *ErrOversize) Error() string {
	return fmt.Sprintf("transfer file %q declares %d bytes, exceeds limit %d", e.Name, e.Size, e.Max)
}

// Stage writes exactly size bytes from src into destDir, naming the file
// by the basename of name only — the client-supplied path is never
// trusted beyond that (spec.md §4.9: "never contain any path from the
// client beyond the basename"). If a file already at the destination
// matches size and mtime, the transfer is skipped and Stage returns
// (path, true, nil).
func Stage(destDir, name string, size int64, mtime time.Time, mode os.FileMode, src io.Reader, maxSize int64) (path string, skipped bool, err error) {
	if maxSize > 0 && size > maxSize {
		return "", false, &ErrOversize{Name: name, Size: size, Max: maxSize}
	}

	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return "", false, fmt.Errorf("invalid transfer file name %q", name)
	}
	dest := filepath.Join(destDir, base)

	if fi, statErr := os.Stat(dest); statErr == nil {
		if fi.Size() == size && fi.ModTime().Equal(mtime) {
			if _, err := io.Copy(io.Discard, io.LimitReader(src, size)); err != nil {
				return "", false, fmt.Errorf("failed to drain unchanged transfer: %w", err)
			}
			return dest, true, nil
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create dest dir: %w", err)
	}

	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", false, fmt.Errorf("failed to create staging file: %w", err)
	}

	written, copyErr := io.CopyN(f, src, size)
	closeErr := f.Close()
	if copyErr != nil || written != size {
		_ = os.Remove(tmp)
		if copyErr == nil {
			copyErr = fmt.Errorf("short write: wrote %d of %d bytes", written, size)
		}
		return "", false, fmt.Errorf("failed to stage transfer file: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return "", false, fmt.Errorf("failed to close staging file: %w", closeErr)
	}

	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		_ = os.Remove(tmp)
		return "", false, fmt.Errorf("failed to set mtime: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", false, fmt.Errorf("failed to finalize transfer file: %w", err)
	}

	return dest, false, nil
}
