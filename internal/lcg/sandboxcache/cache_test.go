package sandboxcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestMD5(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.txt", "hello")
	sum, err := MD5(p)
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
}

func TestLocalCache_UploadsOncePerContent(t *testing.T) {
	cacheDir := t.TempDir()
	cache, err := NewLocalCache(cacheDir, 16)
	require.NoError(t, err)
	src := t.TempDir()

	first, err := cache.UploadIfAbsent(context.Background(), writeFile(t, src, "data.tgz", "payload"))
	require.NoError(t, err)
	assert.Equal(t, "data.tgz", first.Name)
	assert.Equal(t, int64(7), first.Size)
	assert.True(t, strings.HasPrefix(first.Ref, "file://"))

	cachedPath := strings.TrimPrefix(first.Ref, "file://")
	content, err := os.ReadFile(cachedPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	// a fresh cache over the same directory finds the file without uploading
	info, err := os.Stat(cachedPath)
	require.NoError(t, err)
	reopened, err := NewLocalCache(cacheDir, 16)
	require.NoError(t, err)
	second, err := reopened.UploadIfAbsent(context.Background(), writeFile(t, t.TempDir(), "data.tgz", "payload"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	after, err := os.Stat(cachedPath)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestLocalCache_MissingFile(t *testing.T) {
	cache, err := NewLocalCache(t.TempDir(), 1)
	require.NoError(t, err)
	_, err = cache.UploadIfAbsent(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	heads   int
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	content, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = content
	return &s3.PutObjectOutput{}, nil
}

func TestS3Cache_UploadIfAbsent(t *testing.T) {
	client := newFakeS3()
	cache, err := newS3Cache(client, "sandbox", "lcg", 16)
	require.NoError(t, err)
	p := writeFile(t, t.TempDir(), "input.tar.gz", "hello")

	file, err := cache.UploadIfAbsent(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "s3://sandbox/lcg/5d41402abc4b2a76b9719d911017c592/input.tar.gz", file.Ref)
	assert.Equal(t, []byte("hello"), client.objects["sandbox/lcg/5d41402abc4b2a76b9719d911017c592/input.tar.gz"])
	assert.Equal(t, 1, client.heads)

	// known checksums are not checked again
	_, err = cache.UploadIfAbsent(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, client.heads)
}

func TestS3Cache_HeadErrorFails(t *testing.T) {
	client := newFakeS3()
	client.headErr = errors.New("access denied")
	cache, err := newS3Cache(client, "sandbox", "", 16)
	require.NoError(t, err)

	_, err = cache.UploadIfAbsent(context.Background(), writeFile(t, t.TempDir(), "a", "x"))
	assert.Error(t, err)
	assert.Empty(t, client.objects)
}
