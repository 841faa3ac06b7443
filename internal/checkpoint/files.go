package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside a crawl directory.
const (
	SearchedFile   = "searched.json"
	UnsearchedFile = "unsearched.json"
	ManifestFile   = "checkpoint.json"
	AnalysisFile   = "analysis_data.json"
	LogFile        = "log.txt"

	shardPrefix = "saved_"
	shardSuffix = ".json"
)

// BackupName returns the backup path for a primary path:
// "searched.json" becomes "searched_backup.json".
func BackupName(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_backup" + ext
}

// ShardName returns the file name of shard index.
func ShardName(index int) string {
	return shardPrefix + strconv.Itoa(index) + shardSuffix
}

// shardIndex parses "saved_<n>.json"; ok is false for any other name.
func shardIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, shardPrefix)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, shardSuffix)
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || strconv.Itoa(n) != digits {
		return 0, false
	}
	return n, true
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// writeAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir makes a completed rename durable where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- crawl directory owned by the store.
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// rotate moves an existing primary to its backup name, replacing any stale
// backup. A missing primary is not an error.
func rotate(path string) error {
	ok, err := exists(path)
	if err != nil || !ok {
		return err
	}
	backup := BackupName(path)
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale backup: %w", err)
	}
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("rotate %s to backup: %w", filepath.Base(path), err)
	}
	return nil
}
