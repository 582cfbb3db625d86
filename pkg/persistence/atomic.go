package persistence

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/logger"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// writeFileAtomic stages content in a hidden temp file next to path, syncs it
// and renames it over path. The previous file stays intact until the rename.
func writeFileAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory '%s'", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to stage agent file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write staged agent file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync staged agent file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close staged agent file")
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrap(err, "failed to set permissions on staged agent file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "failed to swap agent file into place")
	}
	committed = true

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry of a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

// filePerm keeps the mode of an existing file.
func filePerm(path string) fs.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

// readCurrent returns the on-disk content of path, nil when it does not exist.
func readCurrent(path string) ([]byte, os.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if content == nil {
		content = []byte{}
	}
	return content, info, nil
}

// isRetryable reports whether a storage error may go away on its own.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, fs.ErrPermission),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, agenttypes.ErrReadOnly),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// withRetry runs op with the configured bounded retry and wraps the final
// failure in an IOError.
func (s *Service) withRetry(ctx context.Context, op, path string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.RetryIf(isRetryable),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).WithField("max_attempts", s.retryAttempts).
				WithField("op", op).WithField("path", path).Warn("retrying agent storage operation")
		}),
	)
	if err != nil {
		return agenttypes.NewIOError(op, path, err)
	}
	return nil
}
