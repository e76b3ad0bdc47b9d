package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/strata/internal/log"
)

// stateFileName is the well-known persisted cache manifest (SPEC_FULL §6).
const stateFileName = "cache-state.json"

// CachedItem is one entry in the persisted manifest.
type CachedItem struct {
	RelativePath string `json:"relative_path"`
	SizeInBytes  uint64 `json:"size_in_bytes"`
}

// Capacity bounds one cache tier.
type Capacity struct {
	MaxNumFiles uint64 `json:"max_num_files,omitempty"`
	MaxNumBytes uint64 `json:"max_num_bytes"`
}

// State is the persisted description of a local cache (SPEC_FULL §3).
type State struct {
	RemoteURI     string     `json:"remote_uri"`
	LocalURI      string     `json:"local_uri"`
	DiskCapacity  Capacity   `json:"disk_capacity"`
	RAMCapacity   Capacity   `json:"ram_capacity"`
	Items         []CachedItem `json:"items"`
}

func statePath(root string) string {
	return filepath.Join(root, stateFileName)
}

// saveState writes the manifest atomically via temp-file+rename, matching
// the metastore's own durability discipline (SPEC_FULL §4.4).
func saveState(root string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := statePath(root) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, statePath(root))
}

// loadState rereads the manifest, discarding any entry whose file is no
// longer present on disk or whose size disagrees — the self-healing
// behaviour SPEC_FULL §4.4 requires on startup.
func loadState(root string) (State, []CachedItem) {
	logger := log.WithComponent("cache")

	data, err := os.ReadFile(statePath(root))
	if err != nil {
		return State{}, nil
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn().Err(err).Msg("discarding unreadable cache-state.json")
		return State{}, nil
	}

	healthy := make([]CachedItem, 0, len(st.Items))
	for _, item := range st.Items {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(item.RelativePath)))
		if err != nil {
			continue
		}
		if uint64(info.Size()) != item.SizeInBytes {
			continue
		}
		healthy = append(healthy, item)
	}
	return st, healthy
}
