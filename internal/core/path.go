package core

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FindLocalFiles expands doublestar patterns into regular files, sorted and deduplicated.
func FindLocalFiles(patterns []string) ([]string, error) {
	seen := map[string]struct{}{}
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if _, dup := seen[name]; dup || !info.Mode().IsRegular() {
				continue
			}
			seen[name] = struct{}{}
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FindResultTables returns non-hidden CSV files below dir in lexical order.
func FindResultTables(dir string) ([]string, error) {
	files, err := FindLocalFiles([]string{filepath.Join(dir, "**", "*.csv")})
	if err != nil {
		return nil, err
	}
	tables := files[:0]
	for _, f := range files {
		if !strings.HasPrefix(filepath.Base(f), ".") {
			tables = append(tables, f)
		}
	}
	return tables, nil
}

// CreateUnitWorkDir makes an isolated working directory for one unit.
func CreateUnitWorkDir(root string, id JobIdentity) (string, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return "", err
		}
	}
	return os.MkdirTemp(root, "morf-"+id.MorfID+"-"+string(id.Mode)+"-")
}

// InitializeInputOutputDirs creates <workDir>/input and <workDir>/output.
func InitializeInputOutputDirs(workDir string) (input, output string, err error) {
	input = filepath.Join(workDir, "input")
	output = filepath.Join(workDir, "output")
	for _, dir := range []string{input, output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", err
		}
	}
	return input, output, nil
}
