package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// Shard is one flushed result file.
type Shard struct {
	Index int
	Path  string
	Items map[string]json.RawMessage
}

// Store persists one crawl directory. It is not safe for concurrent use; the
// engine is its single writer.
type Store struct {
	dir     string
	logger  *zap.Logger
	history progress.History
	// discard names primaries that lost to their backup at load time. The
	// next save removes them instead of rotating them over the backup.
	discard map[string]bool
}

// New opens (and creates if needed) the crawl directory.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("crawl directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create crawl directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger, history: progress.NewHistory(), discard: map[string]bool{}}, nil
}

// Dir returns the crawl directory.
func (s *Store) Dir() string {
	return s.dir
}

// Name returns the crawl directory's base name.
func (s *Store) Name() string {
	return filepath.Base(filepath.Clean(s.dir))
}

// LogPath returns the append-only text log inside the crawl directory.
func (s *Store) LogPath() string {
	return filepath.Join(s.dir, LogFile)
}

// History returns the in-memory progress history.
func (s *Store) History() progress.History {
	return s.history
}

// LoadState rebuilds the saved set from the shard files and loads the
// searched and unsearched checkpoints, falling back to their backups. A
// missing checkpoint loads as empty; an unreadable one with no readable
// backup yields *crawler.CorruptStateError.
func (s *Store) LoadState(ctx context.Context) (crawler.State, progress.History, error) {
	state := crawler.NewState()

	shards, err := s.ReadShards(ctx)
	if err != nil {
		return crawler.State{}, progress.History{}, err
	}
	for _, shard := range shards {
		for id := range shard.Items {
			state.Saved.Add(id)
		}
	}

	searched, unsearched, err := s.loadCheckpoints()
	if err != nil {
		return crawler.State{}, progress.History{}, err
	}
	state.Searched = crawler.NewPendingBufferFrom(searched)
	if unsearched != nil {
		state.Unsearched = unsearched
	}

	if ds, du := state.Reconcile(); ds > 0 || du > 0 {
		s.logger.Warn("reconciled overlapping checkpoint entries",
			zap.Int("dropped_searched", ds),
			zap.Int("dropped_unsearched", du),
		)
	}

	s.history = s.loadHistory()
	return state, s.history, nil
}

// manifest pins the searched and unsearched copies written by one save.
// It is written last, so a crash between the two checkpoint writes still
// resolves to a matching pair.
type manifest struct {
	Searched   string `json:"searched"`
	Unsearched string `json:"unsearched"`
}

// fileCopy is one on-disk copy of a checkpoint: index 0 is the primary,
// index 1 the backup.
type fileCopy struct {
	data []byte
	err  error
}

func (s *Store) readCopies(name string) [2]fileCopy {
	primary := filepath.Join(s.dir, name)
	var copies [2]fileCopy
	for i, path := range []string{primary, BackupName(primary)} {
		data, err := os.ReadFile(path) // #nosec G304 -- path is built from the crawl directory.
		copies[i] = fileCopy{data: data, err: err}
	}
	return copies
}

// matchCopy returns the index of the first copy whose content has digest.
func matchCopy(copies [2]fileCopy, digest string) (int, bool) {
	for i, c := range copies {
		if c.err == nil && sha256.Verify(c.data, digest) {
			return i, true
		}
	}
	return 0, false
}

// loadCheckpoints loads the searched and unsearched checkpoints as a pair
// pinned by the manifest, trying its backup when the newest pair is
// incomplete. Directories without a manifest load each file on its own.
func (s *Store) loadCheckpoints() (map[string]json.RawMessage, crawler.ItemSet, error) {
	manifests := s.readCopies(ManifestFile)
	if errors.Is(manifests[0].err, fs.ErrNotExist) && errors.Is(manifests[1].err, fs.ErrNotExist) {
		searched, _, err := loadWithBackup[map[string]json.RawMessage](s, SearchedFile)
		if err != nil {
			return nil, nil, err
		}
		unsearched, _, err := loadWithBackup[crawler.ItemSet](s, UnsearchedFile)
		if err != nil {
			return nil, nil, err
		}
		return searched, unsearched, nil
	}

	searchedCopies := s.readCopies(SearchedFile)
	unsearchedCopies := s.readCopies(UnsearchedFile)
	for mi, mc := range manifests {
		if mc.err != nil {
			continue
		}
		var m manifest
		if err := json.Unmarshal(mc.data, &m); err != nil {
			s.logger.Warn("checkpoint manifest unreadable", zap.Int("copy", mi), zap.Error(err))
			continue
		}
		si, sok := matchCopy(searchedCopies, m.Searched)
		ui, uok := matchCopy(unsearchedCopies, m.Unsearched)
		if !sok || !uok {
			s.logger.Warn("checkpoint manifest has no matching pair", zap.Int("copy", mi))
			continue
		}

		var searched map[string]json.RawMessage
		if err := json.Unmarshal(searchedCopies[si].data, &searched); err != nil {
			return nil, nil, &crawler.CorruptStateError{Path: filepath.Join(s.dir, SearchedFile), Err: err}
		}
		var unsearched crawler.ItemSet
		if err := json.Unmarshal(unsearchedCopies[ui].data, &unsearched); err != nil {
			return nil, nil, &crawler.CorruptStateError{Path: filepath.Join(s.dir, UnsearchedFile), Err: err}
		}
		s.markDiscard(ManifestFile, mi, manifests)
		s.markDiscard(SearchedFile, si, searchedCopies)
		s.markDiscard(UnsearchedFile, ui, unsearchedCopies)
		if mi > 0 || si > 0 || ui > 0 {
			s.logger.Warn("loaded checkpoint backups after an interrupted save",
				zap.Bool("manifest_backup", mi > 0),
				zap.Bool("searched_backup", si > 0),
				zap.Bool("unsearched_backup", ui > 0),
			)
		}
		return searched, unsearched, nil
	}
	return nil, nil, &crawler.CorruptStateError{
		Path: filepath.Join(s.dir, ManifestFile),
		Err:  errors.New("no checkpoint copies match the manifest"),
	}
}

// markDiscard flags the primary of name when its backup was chosen over an
// existing primary.
func (s *Store) markDiscard(name string, chosen int, copies [2]fileCopy) {
	if chosen > 0 && !errors.Is(copies[0].err, fs.ErrNotExist) {
		s.discard[name] = true
	}
}

// loadWithBackup decodes name, falling back to its backup when the primary is
// missing or unreadable. found is false when neither file exists.
func loadWithBackup[T any](s *Store, name string) (value T, found bool, err error) {
	primary := filepath.Join(s.dir, name)
	backup := BackupName(primary)

	primaryErr := decodeFile(primary, &value)
	if primaryErr == nil {
		return value, true, nil
	}
	primaryMissing := errors.Is(primaryErr, fs.ErrNotExist)

	var fallback T
	backupErr := decodeFile(backup, &fallback)
	if backupErr == nil {
		if !primaryMissing {
			s.discard[name] = true
		}
		s.logger.Warn("checkpoint primary unreadable, loaded backup",
			zap.String("file", name),
			zap.Error(primaryErr),
		)
		return fallback, true, nil
	}
	backupMissing := errors.Is(backupErr, fs.ErrNotExist)

	if primaryMissing && backupMissing {
		var zero T
		return zero, false, nil
	}
	path := primary
	if primaryMissing {
		path = backup
	}
	return value, false, &crawler.CorruptStateError{Path: path, Err: errors.Join(primaryErr, backupErr)}
}

func decodeFile(path string, dst any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from the crawl directory.
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// loadHistory reads analysis_data.json. The time series is informational, so
// an unreadable file restarts it instead of failing the load.
func (s *Store) loadHistory() progress.History {
	path := filepath.Join(s.dir, AnalysisFile)
	history := progress.NewHistory()
	if err := decodeFile(path, &history); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("progress history unreadable, starting a new series", zap.Error(err))
		}
		return progress.NewHistory()
	}
	if history.Samples == nil {
		history.Samples = []progress.Sample{}
	}
	return history
}

// SaveState writes both checkpoints with the rotate-then-write discipline.
func (s *Store) SaveState(ctx context.Context, searched map[string]json.RawMessage, unsearched crawler.ItemSet) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	if searched == nil {
		searched = map[string]json.RawMessage{}
	}
	if unsearched == nil {
		unsearched = crawler.NewItemSet()
	}
	searchedData, err := json.Marshal(searched)
	if err != nil {
		return fmt.Errorf("encode %s: %w", SearchedFile, err)
	}
	unsearchedData, err := json.Marshal(unsearched)
	if err != nil {
		return fmt.Errorf("encode %s: %w", UnsearchedFile, err)
	}
	manifestData, err := json.Marshal(manifest{
		Searched:   sha256.Digest(searchedData),
		Unsearched: sha256.Digest(unsearchedData),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", ManifestFile, err)
	}

	if err := s.writeCheckpoint(SearchedFile, searchedData); err != nil {
		return err
	}
	if err := s.writeCheckpoint(UnsearchedFile, unsearchedData); err != nil {
		return err
	}
	return s.writeCheckpoint(ManifestFile, manifestData)
}

// writeCheckpoint rotates the primary of name to its backup and writes data
// in its place. A primary flagged at load time is removed instead, keeping
// the backup the last manifest still points at.
func (s *Store) writeCheckpoint(name string, data []byte) error {
	primary := filepath.Join(s.dir, name)
	if s.discard[name] {
		if err := os.Remove(primary); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale %s: %w", name, err)
		}
		delete(s.discard, name)
	} else if err := rotate(primary); err != nil {
		return err
	}
	if err := writeAtomic(primary, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AppendSample adds a progress sample to the in-memory history.
func (s *Store) AppendSample(sample progress.Sample) {
	s.history.Append(sample)
}

// PersistProgress writes the progress history atomically.
func (s *Store) PersistProgress(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	if s.history.Samples == nil {
		s.history.Samples = []progress.Sample{}
	}
	data, err := json.Marshal(s.history)
	if err != nil {
		return fmt.Errorf("encode %s: %w", AnalysisFile, err)
	}
	if err := writeAtomic(filepath.Join(s.dir, AnalysisFile), data); err != nil {
		return fmt.Errorf("write %s: %w", AnalysisFile, err)
	}
	return nil
}

// FlushShard writes items to the next unused shard index and returns its
// path. Existing shards are never overwritten.
func (s *Store) FlushShard(ctx context.Context, items map[string]json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("flush shard: %w", err)
	}
	indexes, err := s.shardIndexes()
	if err != nil {
		return "", err
	}
	next := 0
	if len(indexes) > 0 {
		next = indexes[len(indexes)-1] + 1
	}
	path := filepath.Join(s.dir, ShardName(next))
	taken, err := exists(path)
	if err != nil {
		return "", err
	}
	if taken {
		return "", fmt.Errorf("shard %s already exists", filepath.Base(path))
	}
	if items == nil {
		items = map[string]json.RawMessage{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode shard: %w", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("write shard %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// ReadShards decodes every shard in ascending index order.
func (s *Store) ReadShards(ctx context.Context) ([]Shard, error) {
	indexes, err := s.shardIndexes()
	if err != nil {
		return nil, err
	}
	shards := make([]Shard, 0, len(indexes))
	for _, idx := range indexes {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("read shards: %w", err)
		}
		path := filepath.Join(s.dir, ShardName(idx))
		items := map[string]json.RawMessage{}
		if err := decodeFile(path, &items); err != nil {
			return nil, &crawler.CorruptStateError{Path: path, Err: err}
		}
		shards = append(shards, Shard{Index: idx, Path: path, Items: items})
	}
	return shards, nil
}

func (s *Store) shardIndexes() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list crawl directory: %w", err)
	}
	var indexes []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if idx, ok := shardIndex(entry.Name()); ok {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	return indexes, nil
}
