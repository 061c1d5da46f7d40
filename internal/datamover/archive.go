package datamover

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/morf-project/morf/internal/core"
)

var unsafeFilenameChars = regexp.MustCompile(`[\s()":!&]`)

// SanitizeFilename strips shell-hostile characters from the base name of
// path and renames the file on disk when anything changed.
func SanitizeFilename(path string) (string, error) {
	dir, base := filepath.Split(path)
	clean := unsafeFilenameChars.ReplaceAllString(base, "")
	if clean == base {
		return path, nil
	}
	if clean == "" {
		return "", fmt.Errorf("filename %q is empty after sanitizing", base)
	}
	sanitized := filepath.Join(dir, clean)
	if err := os.Rename(path, sanitized); err != nil {
		return "", fmt.Errorf("error renaming %s: %w", path, err)
	}
	return sanitized, nil
}

// Archive writes a gzip-compressed tarball of srcDir to archivePath. Entry
// names are relative to srcDir.
func Archive(srcDir, archivePath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("error creating archive: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("error archiving %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Unarchive extracts src into dest and returns the path of what it
// produced: dest itself for archives, the decompressed file for plain .gz.
func Unarchive(src, dest string, removeSrc bool) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	var (
		out string
		err error
	)
	name := strings.ToLower(filepath.Base(src))
	switch {
	case strings.HasSuffix(name, ".tgz"), strings.HasSuffix(name, ".tar.gz"):
		out, err = dest, extractTar(src, dest, true)
	case strings.HasSuffix(name, ".tar"):
		out, err = dest, extractTar(src, dest, false)
	case strings.HasSuffix(name, ".zip"):
		out, err = dest, extractZip(src, dest)
	case strings.HasSuffix(name, ".gz"):
		out = filepath.Join(dest, strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)))
		err = gunzipFile(src, out)
	default:
		return "", &core.UnsupportedArchiveFormatError{Path: src}
	}
	if err != nil {
		return "", fmt.Errorf("error extracting %s: %w", src, err)
	}
	if removeSrc {
		if err := os.Remove(src); err != nil {
			return "", err
		}
	}
	return out, nil
}

func extractTar(src, dest string, compressed bool) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func extractZip(src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func gunzipFile(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()
	return writeFile(dest, gz, 0o644)
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin rejects archive entries that would land outside dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, dest)
	}
	return target, nil
}
