// Package sandboxcache stages oversized input files in remote storage so that jobs can fetch them at runtime.
package sandboxcache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// RemoteFile references a file held in the sandbox cache.
type RemoteFile struct {
	// Base name of the local file.
	Name string
	Ref  string
	MD5  string
	Size int64
}

// SandboxCache uploads files to remote storage, addressed by content.
type SandboxCache interface {
	// UploadIfAbsent uploads the file unless a file with the same checksum is already cached.
	UploadIfAbsent(ctx context.Context, localPath string) (RemoteFile, error)
}

type objectStore interface {
	exists(ctx context.Context, key string) (bool, error)
	put(ctx context.Context, key string, localPath string, size int64) error
	ref(key string) string
}

// Cache implements SandboxCache on top of an object store. Checksums already known to be cached are
// remembered in an LRU so repeated preparation of the same master skips the existence check.
type Cache struct {
	store objectStore
	known *lru.Cache
}

func newCache(store objectStore, memoSize int) (*Cache, error) {
	if memoSize < 1 {
		memoSize = 1
	}
	known, err := lru.New(memoSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cache{store: store, known: known}, nil
}

func (c *Cache) UploadIfAbsent(ctx context.Context, localPath string) (RemoteFile, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return RemoteFile{}, errors.Wrapf(err, "error reading sandbox file %s", localPath)
	}
	checksum, err := MD5(localPath)
	if err != nil {
		return RemoteFile{}, err
	}
	name := filepath.Base(localPath)
	key := path.Join(checksum, name)
	file := RemoteFile{Name: name, Ref: c.store.ref(key), MD5: checksum, Size: info.Size()}

	if _, ok := c.known.Get(key); ok {
		return file, nil
	}
	exists, err := c.store.exists(ctx, key)
	if err != nil {
		return RemoteFile{}, errors.Wrapf(err, "error checking sandbox cache for %s", localPath)
	}
	if !exists {
		log.Warnf("%s is larger than the sandbox limit (%d bytes), uploading to %s", localPath, info.Size(), file.Ref)
		if err := c.store.put(ctx, key, localPath, info.Size()); err != nil {
			return RemoteFile{}, errors.Wrapf(err, "error uploading %s to the sandbox cache", localPath)
		}
	} else {
		log.Debugf("%s already cached as %s", localPath, file.Ref)
	}
	c.known.Add(key, file.Ref)
	return file, nil
}

// MD5 returns the hex encoded MD5 checksum of a file.
func MD5(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "error computing checksum of %s", localPath)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
