package datamover

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/storage"
)

var testID = core.JobIdentity{UserID: "u", JobID: "j", Mode: core.ModeExtract, MorfID: "m1"}

func gzipBytes(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestPushArchive_UploadsThenRemovesArchive(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	mover := NewMover(store, "", logging.Nop{})
	wd := t.TempDir()
	output := filepath.Join(wd, "output")
	writeTree(t, output, map[string]string{"res.csv": "a,b\n1,2\n"})

	key, err := mover.PushArchive(context.Background(), output, "proc", testID, core.ArchiveParts{Course: "c1", Session: "001"})
	require.NoError(t, err)

	assert.Equal(t, "u/j/extract/c1/001/u-j-extract-c1-001.tgz", key)
	_, ok := store.Get("proc", key)
	assert.True(t, ok)
	assert.NoFileExists(t, filepath.Join(wd, "u-j-extract-c1-001.tgz"))
}

func TestPushArchive_KeepsArchiveWhenUploadFails(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	store.UploadErr = errors.New("network down")
	mover := NewMover(store, "", logging.Nop{})
	wd := t.TempDir()
	output := filepath.Join(wd, "output")
	writeTree(t, output, map[string]string{"res.csv": "a\n"})

	_, err := mover.PushArchive(context.Background(), output, "proc", testID, core.ArchiveParts{Course: "c1"})

	require.Error(t, err)
	assert.ErrorContains(t, err, "network down")
	assert.FileExists(t, filepath.Join(wd, "u-j-extract-c1.tgz"))
	assert.Empty(t, store.Keys("proc"))
}

// consumingStore deletes the local file as it uploads, so the mover's own
// cleanup finds nothing to remove.
type consumingStore struct {
	*storage.InMemoryObjectStore
}

func (s consumingStore) Upload(ctx context.Context, bucket, key, srcPath string) error {
	if err := s.InMemoryObjectStore.Upload(ctx, bucket, key, srcPath); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

func TestPushArchive_CleanupFailureAfterUpload(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	mover := NewMover(consumingStore{store}, "", logging.Nop{})
	wd := t.TempDir()
	output := filepath.Join(wd, "output")
	writeTree(t, output, map[string]string{"res.csv": "a\n"})

	key, err := mover.PushArchive(context.Background(), output, "proc", testID, core.ArchiveParts{Course: "c1"})

	require.NoError(t, err)
	_, ok := store.Get("proc", key)
	assert.True(t, ok)
}

func TestFetchRemoteObject_Missing(t *testing.T) {
	mover := NewMover(storage.NewInMemoryObjectStore(), "", logging.Nop{})

	_, err := mover.FetchRemoteObject(context.Background(), "b1", "morf-data/nope.csv", t.TempDir(), "")

	var missing *core.RemoteObjectMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "morf-data/nope.csv", missing.Key)
	assert.ErrorIs(t, err, core.ErrObjectNotFound)
}

func TestFetchFile_Schemes(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryObjectStore()
	store.Put("b1", "images/img.tar", []byte("s3-image"))

	srcDir := t.TempDir()
	local := filepath.Join(srcDir, "local.tar")
	require.NoError(t, os.WriteFile(local, []byte("local-image"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.tar" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("http-image"))
	}))
	defer server.Close()
	mover := NewMover(store, "", logging.Nop{}, WithHTTPClient(server.Client()))

	tests := []struct {
		name string
		url  string
		want string
	}{
		{"file", "file://" + local, "local-image"},
		{"s3", "s3://b1/images/img.tar", "s3-image"},
		{"http", server.URL + "/img.tar", "http-image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := mover.FetchFile(ctx, tt.url, t.TempDir(), "docker_image")
			require.NoError(t, err)
			assert.Equal(t, "docker_image", filepath.Base(path))
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}

	_, err := mover.FetchFile(ctx, "ftp://host/img.tar", t.TempDir(), "")
	assert.ErrorIs(t, err, core.ErrUnsupportedURL)

	_, err = mover.FetchFile(ctx, server.URL+"/missing.tar", t.TempDir(), "")
	assert.Error(t, err)
}

func TestFetchWithCache(t *testing.T) {
	cache := t.TempDir()
	writeTree(t, cache, map[string]string{"proc/u/j/extract/u-j-extract.csv": "userID\n"})
	mover := NewMover(storage.NewInMemoryObjectStore(), cache, logging.Nop{})
	dest := t.TempDir()

	path, ok, err := mover.FetchWithCache("proc/u/j/extract/u-j-extract.csv", dest)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dest, "u-j-extract.csv"), path)

	_, ok, err = mover.FetchWithCache("proc/u/j/extract/other.csv", dest)
	require.NoError(t, err)
	assert.False(t, ok)

	noCache := NewMover(storage.NewInMemoryObjectStore(), "", logging.Nop{})
	_, ok, err = noCache.FetchWithCache("proc/u/j/extract/u-j-extract.csv", dest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncBucketToCache(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	store.Put("b1", "morf-data/c1/001/a.csv", []byte("abc"))
	store.Put("b1", "morf-data/c1/001/", nil)
	cache := t.TempDir()
	mover := NewMover(store, cache, logging.Nop{})

	mover.SyncBucketToCache(context.Background(), "b1")

	assert.Equal(t, map[string]string{"b1/morf-data/c1/001/a.csv": "abc"}, readTree(t, cache))

	// Same size locally means the object is not fetched again.
	store.Put("b1", "morf-data/c1/001/a.csv", []byte("xyz"))
	mover.SyncBucketToCache(context.Background(), "b1")
	assert.Equal(t, "abc", readTree(t, cache)["b1/morf-data/c1/001/a.csv"])
}

func TestSyncBucketToCache_SkipsEscapingKeys(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	store.Put("b1", "../escape.csv", []byte("bad"))
	store.Put("b1", "morf-data/ok.csv", []byte("ok"))
	cache := t.TempDir()
	mover := NewMover(store, cache, logging.Nop{})

	mover.SyncBucketToCache(context.Background(), "b1")

	assert.Equal(t, map[string]string{"b1/morf-data/ok.csv": "ok"}, readTree(t, cache))
}

func TestSyncJobToCache(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	store.Put("proc", "u/j/extract/u-j-extract.csv", []byte("f"))
	store.Put("proc", "u/j/train/u-j-train.tgz", []byte("m"))
	store.Put("proc", "u/other/extract/x.csv", []byte("x"))
	cache := t.TempDir()
	mover := NewMover(store, cache, logging.Nop{})

	mover.SyncJobToCache(context.Background(), "proc", testID, core.ModeExtract)

	assert.Equal(t, map[string]string{"proc/u/j/extract/u-j-extract.csv": "f"}, readTree(t, cache))
}

func TestFetchRawSession_Remote(t *testing.T) {
	store := storage.NewInMemoryObjectStore()
	store.Put("b1", "morf-data/c1/001/click stream (1).csv", []byte("clicks"))
	store.Put("b1", "morf-data/c1/001/empty.csv", nil)
	store.Put("b1", "morf-data/c1/001/db.sql.gz", gzipBytes(t, "sql"))
	store.Put("b1", "morf-data/coursera_course_dates.csv", []byte("dates"))
	mover := NewMover(store, "", logging.Nop{})
	input := t.TempDir()

	require.NoError(t, mover.FetchRawSession(context.Background(), "b1", "c1", "001", input))

	assert.Equal(t, map[string]string{
		"c1/001/clickstream1.csv":          "clicks",
		"c1/001/db.sql.gz":                 string(gzipBytes(t, "sql")),
		"c1/001/db.sql":                    "sql",
		"c1/001/coursera_course_dates.csv": "dates",
	}, readTree(t, input))
}

func TestFetchRawSession_FromCache(t *testing.T) {
	cache := t.TempDir()
	writeTree(t, cache, map[string]string{
		"b1/morf-data/c1/002/forum.csv":          "posts",
		"b1/morf-data/coursera_course_dates.csv": "dates",
	})
	mover := NewMover(storage.NewInMemoryObjectStore(), cache, logging.Nop{})
	input := t.TempDir()

	require.NoError(t, mover.FetchRawSession(context.Background(), "b1", "c1", "002", input))

	assert.Equal(t, map[string]string{
		"c1/002/forum.csv":                 "posts",
		"c1/002/coursera_course_dates.csv": "dates",
	}, readTree(t, input))
}

func TestClearPrefixAndCopy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryObjectStore()
	store.Put("proc", "u/j/extract/a.tgz", []byte("a"))
	store.Put("proc", "u/j/extract/b/c.tgz", []byte("c"))
	store.Put("proc", "u/j/extract-holdout/a.tgz", []byte("h"))
	mover := NewMover(store, "", logging.Nop{})

	require.NoError(t, mover.CopyObject(ctx, "proc", "u/j/extract/a.tgz", "u/j/copy.tgz"))

	n, err := mover.ClearPrefix(ctx, "proc", testID, core.KeyParts{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"u/j/copy.tgz", "u/j/extract-holdout/a.tgz"}, store.Keys("proc"))
}
