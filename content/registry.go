package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// ShardFilePrefix is the filename convention a shards directory scan
// looks for (§6): "shards/shard-<id>.<ext>".
const ShardFilePrefix = "shard-"

// Registry tracks every file this node has computed Metadata for and
// is willing to seed. It is write-once per file at scan time and
// read-mostly afterward, matching the concurrency model's description
// of the torrent metadata map.
type Registry struct {
	mu       sync.RWMutex
	byHash   map[InfoHash]*Metadata
	byShard  map[uint32]*Metadata // shard id -> its Metadata, when filename matches shard-<id>.*
	dir      string
	pieceSz  int
}

// NewRegistry constructs an empty Registry rooted at dir.
func NewRegistry(dir string, pieceSize int) *Registry {
	if pieceSize <= 0 {
		pieceSize = DefaultPieceSize
	}
	return &Registry{
		byHash:  make(map[InfoHash]*Metadata),
		byShard: make(map[uint32]*Metadata),
		dir:     dir,
		pieceSz: pieceSize,
	}
}

// Scan walks the registry's directory, computing Metadata for every
// regular file found and indexing shard-<id>.* files by shard id.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("content: scanning %s: %w", r.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		m, err := BuildMetadataFromFile(path, r.pieceSz)
		if err != nil {
			log.Warn("content: skipping unreadable file during scan", log.Fields{"path": path, "error": err.Error()})
			continue
		}

		r.mu.Lock()
		r.byHash[m.InfoHash] = m
		if id, ok := shardIDFromFilename(e.Name()); ok {
			r.byShard[id] = m
		}
		r.mu.Unlock()

		log.Info("content: seeding file", log.Fields{"filename": m.Filename, "info_hash": m.InfoHash.String(), "pieces": m.NumPieces()})
	}
	return nil
}

func shardIDFromFilename(name string) (uint32, bool) {
	if !strings.HasPrefix(name, ShardFilePrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, ShardFilePrefix)
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// Lookup returns the Metadata registered for an info_hash.
func (r *Registry) Lookup(h InfoHash) (*Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byHash[h]
	return m, ok
}

// ShardMetadata returns the Metadata for a given shard id, if a
// matching file was found during Scan.
func (r *Registry) ShardMetadata(id uint32) (*Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byShard[id]
	return m, ok
}

// Register adds a Metadata built some other way (e.g. downloaded from a
// peer and verified) directly into the registry.
func (r *Registry) Register(m *Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHash[m.InfoHash] = m
}

// FileEntry is the summary returned by ListFiles.
type FileEntry struct {
	InfoHash InfoHash
	Filename string
	Size     int64
}

// ListFiles returns a summary of every file currently registered.
func (r *Registry) ListFiles() []FileEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FileEntry, 0, len(r.byHash))
	for _, m := range r.byHash {
		out = append(out, FileEntry{InfoHash: m.InfoHash, Filename: m.Filename, Size: m.TotalSize})
	}
	return out
}

// ReadPiece reads piece index i of the file registered under h directly
// off disk, to answer a REQUEST_PIECE command as a seeder.
func (r *Registry) ReadPiece(h InfoHash, index int) ([]byte, error) {
	m, ok := r.Lookup(h)
	if !ok {
		return nil, fmt.Errorf("content: unknown info_hash %s", h)
	}
	if index < 0 || index >= m.NumPieces() {
		return nil, fmt.Errorf("content: piece index %d out of range for %s", index, h)
	}

	f, err := os.Open(filepath.Join(r.dir, m.Filename))
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	defer f.Close()

	start, end := m.PieceBounds(index)
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("content: reading piece %d of %s: %w", index, h, err)
	}
	return buf, nil
}

// ShardsPresent reports, for every shard id in [0,totalShards), whether
// a local file is registered for it -- used at startup to log "seeding
// shard-0..shard-(N-1)" status per §4.C4.
func (r *Registry) ShardsPresent(totalShards uint32) map[uint32]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint32]bool, totalShards)
	for id := uint32(0); id < totalShards; id++ {
		_, out[id] = r.byShard[id]
	}
	return out
}
