package datamover

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
)

const (
	CourseDatesFile = "coursera_course_dates.csv"

	httpFetchTimeout = 10 * time.Minute
)

// Mover moves data between object storage, the local cache mirror and
// unit working directories.
type Mover struct {
	store    core.ObjectStore
	cacheDir string
	dataDir  string
	client   *http.Client
	logger   logging.Logger
}

type Option func(*Mover)

func WithDataDir(dataDir string) Option {
	return func(m *Mover) {
		m.dataDir = strings.TrimSuffix(dataDir, "/") + "/"
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(m *Mover) {
		m.client = client
	}
}

func NewMover(store core.ObjectStore, cacheDir string, logger logging.Logger, opts ...Option) *Mover {
	m := &Mover{
		store:    store,
		cacheDir: cacheDir,
		dataDir:  "morf-data/",
		client:   &http.Client{Timeout: httpFetchTimeout},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mover) CacheDir() string {
	return m.cacheDir
}

// FetchRemoteObject downloads bucket/key to destDir/destName. An empty
// destName keeps the key's base name.
func (m *Mover) FetchRemoteObject(ctx context.Context, bucket, key, destDir, destName string) (string, error) {
	if destName == "" {
		destName = path.Base(key)
	}
	dest := filepath.Join(destDir, destName)
	err := m.store.Download(ctx, bucket, key, dest)
	if errors.Is(err, core.ErrObjectNotFound) {
		return "", &core.RemoteObjectMissingError{Bucket: bucket, Key: key}
	}
	if err != nil {
		m.logger.Error("Failed to fetch object", "bucket", bucket, "key", key, "error", err)
		return "", err
	}
	return dest, nil
}

// FetchFile retrieves a file:// s3:// or http(s):// URL into destDir.
func (m *Mover) FetchFile(ctx context.Context, rawURL, destDir, destName string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("error parsing url %q: %w", rawURL, err)
	}
	if destName == "" {
		destName = path.Base(u.Path)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	switch u.Scheme {
	case "file":
		dest := filepath.Join(destDir, destName)
		if err := copyFile(u.Path, dest); err != nil {
			return "", fmt.Errorf("error fetching %s: %w", rawURL, err)
		}
		return dest, nil
	case "s3":
		return m.FetchRemoteObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), destDir, destName)
	case "https", "http":
		return m.fetchHTTP(ctx, rawURL, filepath.Join(destDir, destName))
	default:
		return "", fmt.Errorf("%w: %s", core.ErrUnsupportedURL, rawURL)
	}
}

func (m *Mover) fetchHTTP(ctx context.Context, rawURL, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error fetching %s: unexpected status %s", rawURL, resp.Status)
	}
	if err := writeFile(dest, resp.Body, 0o644); err != nil {
		os.Remove(dest)
		return "", err
	}
	return dest, nil
}

// FetchRawSession populates <inputDir>/<course>/<session>/ with the raw
// session data and the course dates file, then decompresses SQL dumps.
func (m *Mover) FetchRawSession(ctx context.Context, bucket, course, session, inputDir string) error {
	sessionDir := filepath.Join(inputDir, course, session)
	logger := m.logger.With("bucket", bucket, "course", course, "session", session)

	cached := false
	if m.cacheDir != "" {
		src := filepath.Join(m.cacheDir, bucket, m.dataDir, course, session)
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			if err := copyTree(src, sessionDir); err != nil {
				logger.Error("Failed to copy session from cache", "error", err)
			} else {
				cached = true
			}
		}
	}

	if !cached {
		if err := m.downloadSession(ctx, bucket, course, session, sessionDir, logger); err != nil {
			return err
		}
	}

	if _, ok, err := m.FetchWithCache(filepath.Join(bucket, m.dataDir, CourseDatesFile), sessionDir); err != nil || !ok {
		if _, err := m.FetchRemoteObject(ctx, bucket, m.dataDir+CourseDatesFile, sessionDir, ""); err != nil {
			logger.Warn("Course dates file unavailable", "error", err)
		}
	}

	dumps, err := core.FindLocalFiles([]string{filepath.Join(sessionDir, "*.sql.gz")})
	if err != nil {
		return err
	}
	for _, dump := range dumps {
		out, err := Unarchive(dump, sessionDir, false)
		if err != nil {
			logger.Warn("Failed to decompress dump", "file", dump, "error", err)
			continue
		}
		if _, err := SanitizeFilename(out); err != nil {
			logger.Warn("Failed to sanitize dump name", "file", out, "error", err)
		}
	}
	return nil
}

func (m *Mover) downloadSession(ctx context.Context, bucket, course, session, sessionDir string, logger logging.Logger) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}
	prefix := m.dataDir + course + "/" + session + "/"
	objects, err := m.store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return fmt.Errorf("error listing %s: %w", core.S3URL(bucket, prefix), err)
	}
	for _, obj := range objects {
		name := unsafeFilenameChars.ReplaceAllString(path.Base(obj.Key), "")
		if obj.Size == 0 || name == "" {
			logger.Warn("Skipping empty object", "key", obj.Key)
			continue
		}
		if err := m.store.Download(ctx, bucket, obj.Key, filepath.Join(sessionDir, name)); err != nil {
			logger.Warn("Skipping object", "key", obj.Key, "error", err)
		}
	}
	return nil
}

// PushArchive archives localDir as the unit's canonical archive and uploads
// it. The local archive is removed only once the upload succeeded.
func (m *Mover) PushArchive(ctx context.Context, localDir, bucket string, id core.JobIdentity, parts core.ArchiveParts) (string, error) {
	name := core.ArchiveFilename(id, parts)
	key := core.StorageKey(id, core.KeyParts{
		Mode:     parts.Mode,
		JobID:    parts.JobID,
		Course:   parts.Course,
		Session:  parts.Session,
		Filename: name,
	})

	// The archive sits next to localDir so it never ends up inside itself.
	archivePath := filepath.Join(filepath.Dir(filepath.Clean(localDir)), name)
	if err := Archive(localDir, archivePath); err != nil {
		os.Remove(archivePath)
		return "", err
	}
	if err := m.PushFile(ctx, archivePath, bucket, key, true); err != nil {
		m.logger.Error("Archive kept after failed upload", "path", archivePath, "error", err)
		return "", err
	}
	return key, nil
}

func (m *Mover) PushFile(ctx context.Context, localPath, bucket, key string, removeOnSuccess bool) error {
	if err := m.store.Upload(ctx, bucket, key, localPath); err != nil {
		return fmt.Errorf("error uploading %s to %s: %w", localPath, core.S3URL(bucket, key), err)
	}
	m.logger.Debug("Uploaded file", "path", localPath, "url", core.S3URL(bucket, key))
	if removeOnSuccess {
		if err := os.Remove(localPath); err != nil {
			m.logger.Warn("Failed to remove uploaded file", "path", localPath, "error", err)
		}
	}
	return nil
}

// ClearPrefix deletes every object below the identity's storage prefix.
func (m *Mover) ClearPrefix(ctx context.Context, bucket string, id core.JobIdentity, parts core.KeyParts) (int, error) {
	prefix := core.StoragePrefix(id, parts)
	n, err := m.store.DeletePrefix(ctx, bucket, prefix)
	if err != nil {
		return n, fmt.Errorf("error clearing %s: %w", core.S3URL(bucket, prefix), err)
	}
	m.logger.Info("Cleared prefix", "url", core.S3URL(bucket, prefix), "deleted", n)
	return n, nil
}

func (m *Mover) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	if err := m.store.Copy(ctx, bucket, srcKey, dstKey); err != nil {
		return fmt.Errorf("error copying %s to %s: %w", core.S3URL(bucket, srcKey), dstKey, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(dest, in, info.Mode().Perm())
}

func copyTree(src, dest string) error {
	files, err := core.FindLocalFiles([]string{filepath.Join(src, "**", "*")})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		rel, err := filepath.Rel(src, f)
		if err != nil {
			return err
		}
		if err := copyFile(f, filepath.Join(dest, rel)); err != nil {
			return err
		}
	}
	return nil
}
