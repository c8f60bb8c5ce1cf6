// Package manifeststore persists per-file transfer manifests as one JSON
// document per file_id under a configured directory. Writes are atomic
// (temp file + rename); reads are served from an in-memory cache,
// falling back to disk on a cache miss.
package manifeststore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/observability"
)

// entry wraps one cached manifest with the per-file lock that serializes
// writes to its JSON document: a per-file lock suffices since concurrent
// writers for the same file_id are otherwise unsynchronized.
type entry struct {
	mu       sync.Mutex
	manifest *chunkmodel.Manifest
}

// Store is the manifest store.
type Store struct {
	dir    string
	chunk  int64
	log    *observability.Logger

	cacheMu sync.RWMutex
	cache   map[string]*entry
}

// New creates a Store rooted at cfg.ManifestDir, creating the directory if
// it does not already exist.
func New(cfg *config.Config, log *observability.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.ManifestDir, 0o755); err != nil {
		return nil, fmt.Errorf("manifeststore: create manifest dir: %w", err)
	}
	return &Store{
		dir:   cfg.ManifestDir,
		chunk: cfg.ChunkSize,
		log:   log,
		cache: make(map[string]*entry),
	}, nil
}

func (s *Store) path(fileID string) string {
	return filepath.Join(s.dir, fileID+".json")
}

// Create plans a new manifest for filePath: it stats the file, chunks it
// into fixed-size slices, hashes each chunk (xxhash) and the whole file
// (blake3), and persists the result. The caller-observable file_id is a
// fresh UUID.
func (s *Store) Create(filePath string, priority chunkmodel.Priority) (*chunkmodel.Manifest, error) {
	switch priority {
	case chunkmodel.PriorityHigh, chunkmodel.PriorityStandard, chunkmodel.PriorityBackground:
	default:
		return nil, ErrInvalidPriority
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("manifeststore: open %s: %w", filePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("manifeststore: stat %s: %w", filePath, err)
	}

	fileID := uuid.NewString()
	size := info.Size()
	totalChunks := int((size + s.chunk - 1) / s.chunk)
	if size == 0 {
		totalChunks = 0
	}

	chunks := make(map[int64]*chunkmodel.Chunk, totalChunks)
	fileHasher := blake3.New()
	buf := make([]byte, s.chunk)

	for id := int64(0); id < int64(totalChunks); id++ {
		offset := id * s.chunk
		n, err := f.ReadAt(buf, offset)
		if err != nil && n == 0 {
			return nil, fmt.Errorf("manifeststore: read chunk %d: %w", id, err)
		}
		slice := buf[:n]
		if _, err := fileHasher.Write(slice); err != nil {
			return nil, fmt.Errorf("manifeststore: hash chunk %d: %w", id, err)
		}
		chunks[id] = &chunkmodel.Chunk{
			ChunkID: id,
			Offset:  offset,
			Size:    int64(n),
			Hash:    fmt.Sprintf("%016x", xxhash.Sum64(slice)),
			Status:  chunkmodel.StatusPending,
		}
	}

	now := time.Now().UTC()
	m := &chunkmodel.Manifest{
		FileID:      fileID,
		FilePath:    filePath,
		FileSize:    size,
		FileHash:    fmt.Sprintf("%x", fileHasher.Sum(nil)),
		TotalChunks: totalChunks,
		Chunks:      chunks,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.persist(m); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[fileID] = &entry{manifest: m}
	s.cacheMu.Unlock()

	if s.log != nil {
		s.log.WithFile(fileID, filePath).Info(fmt.Sprintf("manifest created: %d chunks, %d bytes", totalChunks, size))
	}
	return m, nil
}

// Load returns the manifest for fileID, consulting the in-memory cache
// before falling back to disk.
func (s *Store) Load(fileID string) (*chunkmodel.Manifest, error) {
	if e, ok := s.lookup(fileID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.manifest, nil
	}
	return s.loadFromDisk(fileID)
}

func (s *Store) lookup(fileID string) (*entry, bool) {
	s.cacheMu.RLock()
	e, ok := s.cache[fileID]
	s.cacheMu.RUnlock()
	return e, ok
}

func (s *Store) loadFromDisk(fileID string) (*chunkmodel.Manifest, error) {
	b, err := os.ReadFile(s.path(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("manifeststore: read %s: %w", fileID, err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	m := fromDoc(&doc)

	s.cacheMu.Lock()
	e, ok := s.cache[fileID]
	if !ok {
		e = &entry{manifest: m}
		s.cache[fileID] = e
	}
	s.cacheMu.Unlock()

	return e.manifest, nil
}

// List returns every manifest currently cached or on disk, for the
// list_files control-plane hook.
func (s *Store) List() ([]*chunkmodel.Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("manifeststore: list %s: %w", s.dir, err)
	}

	var out []*chunkmodel.Manifest
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		fileID := de.Name()[:len(de.Name())-len(".json")]
		m, err := s.Load(fileID)
		if err != nil {
			if s.log != nil {
				s.log.Error(err, "manifeststore: skipping unreadable manifest "+fileID)
			}
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateChunkStatus transitions a chunk's status and persists the
// manifest. Timestamps and BytesAcked are maintained per the transition:
// IN_FLIGHT sets sent_at and assigned_link; ACKED sets acked_at and
// accumulates bytes_acked (only on first entry into ACKED, guarding
// against double-counted retransmitted acks); FAILED increments
// retry_count directly here, since that is the one status transition that
// bumps the counter as a side effect of the transition itself (the
// IN_FLIGHT→IN_FLIGHT retransmit bump goes through IncrementRetry
// instead, since it isn't a status change). firstAck reports whether this
// call performed the chunk's first transition into ACKED, so a caller
// counting chunks_acked can guard against a duplicate/retransmitted ack
// incrementing it again.
func (s *Store) UpdateChunkStatus(fileID string, chunkID int64, status chunkmodel.ChunkStatus, link string) (firstAck bool, err error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.manifest.Chunks[chunkID]
	if !ok {
		return false, ErrChunkNotFound
	}

	prev := c.Status
	c.Status = status
	now := time.Now().UTC()

	switch status {
	case chunkmodel.StatusInFlight:
		c.SentAt = now
		if link != "" {
			c.AssignedLink = link
		}
		if prev == chunkmodel.StatusFailed {
			// FAILED is not permanently terminal: a resurrected chunk
			// starts a fresh attempt cycle.
			c.RetryCount = 0
		}
	case chunkmodel.StatusAcked:
		if prev != chunkmodel.StatusAcked {
			e.manifest.BytesAcked += c.Size
			firstAck = true
		}
		c.AckedAt = now
	case chunkmodel.StatusFailed:
		c.RetryCount++
	}

	e.manifest.UpdatedAt = now
	if e.manifest.IsComplete() && e.manifest.CompletedAt.IsZero() {
		e.manifest.CompletedAt = now
	}

	if err := s.persistLocked(e.manifest); err != nil {
		return false, err
	}
	return firstAck, nil
}

// IncrementRetry bumps a chunk's retry counter on an IN_FLIGHT retransmit
// timeout, without changing its status.
func (s *Store) IncrementRetry(fileID string, chunkID int64, reason string) (int, error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.manifest.Chunks[chunkID]
	if !ok {
		return 0, ErrChunkNotFound
	}
	c.RetryCount++
	c.LastError = reason
	e.manifest.UpdatedAt = time.Now().UTC()
	if err := s.persistLocked(e.manifest); err != nil {
		return 0, err
	}
	return c.RetryCount, nil
}

// GetPending returns chunks eligible for (re)transmission: FAILED chunks
// first (resurrected with a fresh attempt, per the design note on FAILED
// resurrection), then PENDING chunks, both ordered by ascending chunk_id.
// limit caps the result; 0 means unlimited.
func (s *Store) GetPending(fileID string, limit int) ([]*chunkmodel.Chunk, error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed, pending []*chunkmodel.Chunk
	for _, c := range e.manifest.Chunks {
		switch c.Status {
		case chunkmodel.StatusFailed:
			failed = append(failed, c)
		case chunkmodel.StatusPending:
			pending = append(pending, c)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].ChunkID < failed[j].ChunkID })
	sort.Slice(pending, func(i, j int) bool { return pending[i].ChunkID < pending[j].ChunkID })

	out := append(failed, pending...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetInFlight returns chunks currently IN_FLIGHT, ordered by ascending
// chunk_id, for the engine's retransmission scan.
func (s *Store) GetInFlight(fileID string) ([]*chunkmodel.Chunk, error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*chunkmodel.Chunk
	for _, c := range e.manifest.Chunks {
		if c.Status == chunkmodel.StatusInFlight {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

// IsComplete reports whether every chunk of fileID is ACKED.
func (s *Store) IsComplete(fileID string) (bool, error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest.IsComplete(), nil
}

// GetProgress returns the fraction of chunks acked, together with the
// manifest's bytes_acked and file size, for the get_status control-plane
// hook.
func (s *Store) GetProgress(fileID string) (fraction float64, bytesAcked, fileSize int64, err error) {
	e, err := s.entryFor(fileID)
	if err != nil {
		return 0, 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest.Progress(), e.manifest.BytesAcked, e.manifest.FileSize, nil
}

// SetPriority updates a manifest's scheduling priority (the update_priority
// control-plane hook).
func (s *Store) SetPriority(fileID string, priority chunkmodel.Priority) error {
	switch priority {
	case chunkmodel.PriorityHigh, chunkmodel.PriorityStandard, chunkmodel.PriorityBackground:
	default:
		return ErrInvalidPriority
	}
	e, err := s.entryFor(fileID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifest.Priority = priority
	e.manifest.UpdatedAt = time.Now().UTC()
	return s.persistLocked(e.manifest)
}

func (s *Store) entryFor(fileID string) (*entry, error) {
	if e, ok := s.lookup(fileID); ok {
		return e, nil
	}
	if _, err := s.loadFromDisk(fileID); err != nil {
		return nil, err
	}
	e, _ := s.lookup(fileID)
	return e, nil
}

// persist writes m to disk atomically: it serializes to a temp file in the
// same directory, then renames over the final path, so a crash never
// leaves a partially-written manifest.
func (s *Store) persist(m *chunkmodel.Manifest) error {
	return s.writeDoc(m)
}

func (s *Store) persistLocked(m *chunkmodel.Manifest) error {
	return s.writeDoc(m)
}

func (s *Store) writeDoc(m *chunkmodel.Manifest) error {
	doc := toDoc(m)
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("manifeststore: marshal %s: %w", m.FileID, err)
	}

	final := s.path(m.FileID)
	tmp, err := os.CreateTemp(s.dir, m.FileID+".*.tmp")
	if err != nil {
		return fmt.Errorf("manifeststore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifeststore: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("manifeststore: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifeststore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("manifeststore: rename into place: %w", err)
	}
	return nil
}
