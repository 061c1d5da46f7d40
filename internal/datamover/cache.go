package datamover

import (
	"context"
	"os"
	"path/filepath"

	"github.com/morf-project/morf/internal/core"
)

var DefaultJobCacheModes = []core.Mode{core.ModeExtract, core.ModeExtractHoldout, core.ModeTrain, core.ModeTest}

// SyncBucketToCache mirrors bucket into <cache>/<bucket>/. Failures are
// logged and never returned: the cache only saves downloads.
func (m *Mover) SyncBucketToCache(ctx context.Context, bucket string) {
	if m.cacheDir == "" {
		return
	}
	m.logger.Info("Syncing bucket to cache", "bucket", bucket, "cache_dir", m.cacheDir)
	m.syncPrefix(ctx, bucket, "")
}

// SyncJobToCache mirrors the job's user/job/<mode>/ prefixes for each mode.
func (m *Mover) SyncJobToCache(ctx context.Context, bucket string, id core.JobIdentity, modes ...core.Mode) {
	if m.cacheDir == "" {
		return
	}
	if len(modes) == 0 {
		modes = DefaultJobCacheModes
	}
	for _, mode := range modes {
		prefix := core.StoragePrefix(id, core.KeyParts{Mode: mode})
		m.logger.Info("Syncing job prefix to cache", "bucket", bucket, "prefix", prefix)
		m.syncPrefix(ctx, bucket, prefix)
	}
}

func (m *Mover) syncPrefix(ctx context.Context, bucket, prefix string) {
	objects, err := m.store.ListObjects(ctx, bucket, prefix)
	if err != nil {
		m.logger.Error("Failed to list objects for cache sync", "bucket", bucket, "prefix", prefix, "error", err)
		return
	}

	fetched, skipped := 0, 0
	for _, obj := range objects {
		if ctx.Err() != nil {
			m.logger.Warn("Cache sync interrupted", "bucket", bucket, "error", ctx.Err())
			return
		}
		if obj.Size == 0 {
			continue
		}
		local, err := safeJoin(filepath.Join(m.cacheDir, bucket), filepath.FromSlash(obj.Key))
		if err != nil {
			m.logger.Warn("Skipping object outside cache", "bucket", bucket, "key", obj.Key)
			continue
		}
		if info, err := os.Stat(local); err == nil && info.Size() == obj.Size {
			skipped++
			continue
		}
		if err := m.store.Download(ctx, bucket, obj.Key, local); err != nil {
			m.logger.Warn("Failed to cache object", "bucket", bucket, "key", obj.Key, "error", err)
			continue
		}
		fetched++
	}
	m.logger.Info("Cache sync complete", "bucket", bucket, "prefix", prefix, "fetched", fetched, "unchanged", skipped)
}

// FetchWithCache copies <cache>/<relPath> into destDir. It reports false
// when there is no cache or the file is not cached; it never goes remote.
func (m *Mover) FetchWithCache(relPath, destDir string) (string, bool, error) {
	if m.cacheDir == "" {
		return "", false, nil
	}
	src := filepath.Join(m.cacheDir, relPath)
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		return "", false, nil
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := copyFile(src, dest); err != nil {
		return "", false, err
	}
	return dest, true, nil
}
