package sandboxcache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type localStore struct {
	directory string
}

// NewLocalCache caches files in a directory, typically one shared with the grid storage element.
func NewLocalCache(directory string, memoSize int) (*Cache, error) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "error creating sandbox cache directory %s", abs)
	}
	return newCache(&localStore{directory: abs}, memoSize)
}

func (s *localStore) exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.directory, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, errors.WithStack(err)
}

func (s *localStore) put(_ context.Context, key string, localPath string, _ int64) error {
	target := filepath.Join(s.directory, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.WithStack(err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()

	// write to a temporary name so a partial copy is never mistaken for a cached file
	tmp := target + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WithStack(err)
	}
	if err := out.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, target))
}

func (s *localStore) ref(key string) string {
	return "file://" + filepath.Join(s.directory, filepath.FromSlash(key))
}
