package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/wire"
)

// modelDirectory resolves model ids to on-disk metadata by scanning a flat
// directory of model files, deriving backend kind from file extension
// (spec.md §3: "selection derives from file extension or explicit
// override"). It implements both executor.ModelResolver and
// wire.ModelLister so the engine only needs one component for both.
type modelDirectory struct {
	dir string

	mu        sync.RWMutex
	lastScan  time.Time
	cacheTTL  time.Duration
	byID      map[string]backend.Metadata
}

func newModelDirectory(dir string) *modelDirectory {
	return &modelDirectory{dir: dir, cacheTTL: 5 * time.Second}
}

// scan rebuilds the id->metadata map if the cache is stale. A scan failure
// (e.g. the directory not existing yet) leaves any previous listing intact
// rather than wiping it out from under in-flight requests.
func (m *modelDirectory) scan() {
	m.mu.RLock()
	fresh := time.Since(m.lastScan) < m.cacheTTL && m.byID != nil
	m.mu.RUnlock()
	if fresh {
		return
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return
	}

	found := make(map[string]backend.Metadata, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		kind, ok := backend.KindForPath(ent.Name())
		if !ok {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		found[id] = backend.Metadata{
			ID:        id,
			Path:      filepath.Join(m.dir, ent.Name()),
			Kind:      kind,
			SizeBytes: info.Size(),
		}
	}

	m.mu.Lock()
	m.byID = found
	m.lastScan = time.Now()
	m.mu.Unlock()
}

// Resolve implements executor.ModelResolver.
func (m *modelDirectory) Resolve(modelID string) (backend.Metadata, error) {
	m.scan()
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.byID[modelID]
	if !ok {
		return backend.Metadata{}, fmt.Errorf("%w: %s", backend.ErrModelNotFound, modelID)
	}
	return meta, nil
}

// List implements wire.ModelLister.
func (m *modelDirectory) List() []wire.ModelListItem {
	m.scan()
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]wire.ModelListItem, 0, len(m.byID))
	for id := range m.byID {
		items = append(items, wire.ModelListItem{ID: id, Object: "model", OwnedBy: "local"})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
