package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
)

// FileStore keeps one JSON document per app under <dataDir>/knowledge/.
// Entries live in memory between Flush calls; merges are serialized by a
// single writer lock so concurrent readers stay safe.
type FileStore struct {
	dir    string
	refine bool
	logger *zap.Logger

	mu    sync.RWMutex
	apps  map[string]map[string]schemas.KnowledgeEntry // appID -> key -> entry
	dirty map[string]bool
}

var _ schemas.KnowledgeStore = (*FileStore)(nil)

func NewFileStore(dataDir string, refine bool, logger *zap.Logger) (*FileStore, error) {
	dir := filepath.Join(dataDir, "knowledge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create knowledge dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		refine: refine,
		logger: logger.Named("knowledge.file"),
		apps:   make(map[string]map[string]schemas.KnowledgeEntry),
		dirty:  make(map[string]bool),
	}, nil
}

// Lookup returns all entries recorded for one screen of one app.
func (s *FileStore) Lookup(ctx context.Context, appID string, screen schemas.ScreenSignature) ([]schemas.KnowledgeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entries, err := s.loadLocked(appID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result []schemas.KnowledgeEntry
	for _, e := range entries {
		if e.Screen == screen {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ElementUID < result[j].ElementUID })
	return result, nil
}

// Merge folds one observation into the store. The visit counter always
// increments; observation text is deduplicated, and with refinement disabled
// an existing entry's documentation is left untouched entirely.
func (s *FileStore) Merge(ctx context.Context, entry schemas.KnowledgeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.AppID == "" || entry.ElementUID == "" {
		return fmt.Errorf("knowledge entry missing app or element identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadLocked(entry.AppID)
	if err != nil {
		return err
	}

	now := entry.LastSeen
	if now.IsZero() {
		now = time.Now()
	}

	key := entry.Key()
	existing, ok := entries[key]
	if !ok {
		entry.Observations = mergeObservations(nil, entry.Observations)
		entry.Visits = 1
		entry.FirstSeen = now
		entry.LastSeen = now
		entries[key] = entry
	} else {
		if s.refine {
			existing.Observations = mergeObservations(existing.Observations, entry.Observations)
		}
		existing.Visits++
		existing.LastSeen = now
		entries[key] = existing
	}

	s.dirty[entry.AppID] = true
	return nil
}

// Flush writes every app document touched since the last flush.
func (s *FileStore) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for appID := range s.dirty {
		if err := s.writeLocked(appID); err != nil {
			return err
		}
		delete(s.dirty, appID)
	}
	return nil
}

func (s *FileStore) appPath(appID string) string {
	return filepath.Join(s.dir, appID+".json")
}

func (s *FileStore) loadLocked(appID string) (map[string]schemas.KnowledgeEntry, error) {
	if entries, ok := s.apps[appID]; ok {
		return entries, nil
	}

	entries := make(map[string]schemas.KnowledgeEntry)
	raw, err := os.ReadFile(s.appPath(appID))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read knowledge file for %s: %w", appID, err)
		}
	} else {
		var list []schemas.KnowledgeEntry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("corrupt knowledge file for %s: %w", appID, err)
		}
		for _, e := range list {
			entries[e.Key()] = e
		}
	}

	s.apps[appID] = entries
	return entries, nil
}

func (s *FileStore) writeLocked(appID string) error {
	entries := s.apps[appID]
	list := make([]schemas.KnowledgeEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal knowledge for %s: %w", appID, err)
	}

	path := s.appPath(appID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write knowledge file for %s: %w", appID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace knowledge file for %s: %w", appID, err)
	}

	s.logger.Debug("Knowledge flushed", zap.String("app", appID), zap.Int("entries", len(list)))
	return nil
}
