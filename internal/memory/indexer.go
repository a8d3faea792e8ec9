package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxIndexFileBytes skips files too large to be worth indexing.
	maxIndexFileBytes = 10 * 1024 * 1024
	// binarySniffBytes is how much of a file is checked for null bytes.
	binarySniffBytes = 8192

	watchDebounce = 500 * time.Millisecond
)

// textExtensions lists file suffixes treated as indexable text.
var textExtensions = map[string]bool{
	"rs": true, "py": true, "js": true, "ts": true, "tsx": true,
	"jsx": true, "json": true, "toml": true, "yaml": true, "yml": true,
	"md": true, "txt": true, "html": true, "css": true, "scss": true,
	"sql": true, "sh": true, "bash": true, "zsh": true, "go": true,
	"java": true, "kt": true, "swift": true, "c": true, "cpp": true,
	"h": true, "hpp": true, "rb": true, "lua": true, "vim": true,
	"conf": true, "cfg": true, "ini": true, "env": true, "xml": true,
	"csv": true,
}

// skipDirs are directory names never descended into.
var skipDirs = map[string]bool{
	"node_modules": true, "target": true, "__pycache__": true,
}

// Indexer walks a workspace and keeps the store in sync with its text
// files. Document IDs are workspace-relative paths.
type Indexer struct {
	store       *Store
	embedder    Embedder
	workspace   string
	maxParallel int
	logger      *zap.Logger
}

// IndexStats summarizes one indexing pass.
type IndexStats struct {
	Indexed int
	Skipped int
	Removed int
	Failed  int
}

func NewIndexer(store *Store, embedder Embedder, workspace string, maxParallel int, logger *zap.Logger) *Indexer {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		store:       store,
		embedder:    embedder,
		workspace:   workspace,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// IndexWorkspace walks the workspace, indexes changed files, and prunes
// documents whose files no longer exist.
func (ix *Indexer) IndexWorkspace(ctx context.Context) (IndexStats, error) {
	paths, err := ix.collect()
	if err != nil {
		return IndexStats{}, err
	}

	var (
		mu    sync.Mutex
		stats IndexStats
		seen  = make(map[string]bool, len(paths))
	)
	for _, p := range paths {
		id, err := ix.relID(p)
		if err != nil {
			continue
		}
		seen[id] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.maxParallel)
	for _, path := range paths {
		g.Go(func() error {
			outcome, err := ix.indexFile(gctx, path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Failed++
				ix.logger.Warn("index failed", zap.String("path", path), zap.Error(err))
			case outcome == outcomeIndexed:
				stats.Indexed++
			default:
				stats.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Prune documents for files that disappeared.
	ids, err := ix.store.DocumentIDs(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		if err := ix.store.RemoveDocument(ctx, id); err != nil {
			ix.logger.Warn("prune failed", zap.String("id", id), zap.Error(err))
			continue
		}
		stats.Removed++
	}

	ix.logger.Info("workspace indexed",
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("removed", stats.Removed),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

type indexOutcome int

const (
	outcomeSkipped indexOutcome = iota
	outcomeIndexed
)

// indexFile indexes a single file. Unchanged content (matching stored
// hash) is skipped without touching the embedder.
func (ix *Indexer) indexFile(ctx context.Context, path string) (indexOutcome, error) {
	id, err := ix.relID(path)
	if err != nil {
		return outcomeSkipped, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return outcomeSkipped, err
	}
	if info.Size() > maxIndexFileBytes {
		return outcomeSkipped, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return outcomeSkipped, err
	}
	if looksBinary(data) {
		return outcomeSkipped, nil
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	stored, err := ix.store.ContentHash(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	if stored == hash {
		return outcomeSkipped, nil
	}

	content := string(data)
	if err := ix.store.IndexDocument(ctx, &Document{
		ID:          id,
		Path:        path,
		Content:     content,
		ContentHash: hash,
	}); err != nil {
		return outcomeSkipped, err
	}

	if ix.embedder != nil {
		vec, err := ix.embedder.Embed(ctx, content)
		if err != nil {
			// Text search still works; only the semantic half is missing.
			ix.logger.Warn("embedding failed, document is text-search only",
				zap.String("id", id), zap.Error(err))
			return outcomeIndexed, nil
		}
		if err := ix.store.UpsertVector(ctx, id, vec); err != nil {
			ix.logger.Warn("vector upsert failed", zap.String("id", id), zap.Error(err))
		}
	}
	return outcomeIndexed, nil
}

// collect walks the workspace and returns indexable file paths.
func (ix *Indexer) collect() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(ix.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path == ix.workspace {
				return nil
			}
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if !isTextPath(name) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

// relID converts a path to a workspace-relative document ID, rejecting
// anything that escapes the workspace.
func (ix *Indexer) relID(path string) (string, error) {
	rel, err := filepath.Rel(ix.workspace, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.ToSlash(rel), nil
}

func isTextPath(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		// Dotfile-style names like ".env" lose their extension; also
		// covers extensionless files, which are not indexed.
		return false
	}
	return textExtensions[strings.ToLower(ext)]
}

func looksBinary(data []byte) bool {
	sniff := data
	if len(sniff) > binarySniffBytes {
		sniff = sniff[:binarySniffBytes]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}

// Watch reindexes files as they change. fsnotify is not recursive, so
// every subdirectory is registered, including ones created later.
// Events are debounced per path before reindexing.
func (ix *Indexer) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := ix.addWatchTree(watcher, ix.workspace); err != nil {
		return err
	}

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := ix.addWatchTree(watcher, ev.Name); err != nil {
						ix.logger.Warn("watch new directory failed",
							zap.String("path", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			batch := pending
			pending = make(map[string]struct{})
			ix.processBatch(ctx, batch)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (ix *Indexer) addWatchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (ix *Indexer) processBatch(ctx context.Context, batch map[string]struct{}) {
	for path := range batch {
		name := filepath.Base(path)
		if strings.HasPrefix(name, ".") || !isTextPath(name) {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			id, relErr := ix.relID(path)
			if relErr != nil {
				continue
			}
			if err := ix.store.RemoveDocument(ctx, id); err != nil {
				ix.logger.Warn("remove failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		if _, err := ix.indexFile(ctx, path); err != nil {
			ix.logger.Warn("reindex failed", zap.String("path", path), zap.Error(err))
		}
	}
}
