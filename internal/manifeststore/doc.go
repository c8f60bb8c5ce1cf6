package manifeststore

import (
	"time"

	"github.com/coldrelay/linksync/internal/chunkmodel"
)

// manifestDoc is the on-disk JSON schema: timestamps as ISO-8601 strings,
// statuses as lowercase names, chunk keys as string-encoded integers (the
// Go map[int64] type already marshals to quoted decimal keys, satisfying
// that requirement without help).
type manifestDoc struct {
	FileID      string                   `json:"file_id"`
	FilePath    string                   `json:"file_path"`
	FileSize    int64                    `json:"file_size"`
	FileHash    string                   `json:"file_hash"`
	TotalChunks int                      `json:"total_chunks"`
	Chunks      map[int64]*chunkDoc      `json:"chunks"`
	Priority    chunkmodel.Priority      `json:"priority"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	BytesAcked  int64                    `json:"bytes_acked"`
}

type chunkDoc struct {
	ChunkID      int64                  `json:"chunk_id"`
	Offset       int64                  `json:"offset"`
	Size         int64                  `json:"size"`
	Hash         string                 `json:"hash"`
	Status       chunkmodel.ChunkStatus `json:"status"`
	RetryCount   int                    `json:"retry_count"`
	AssignedLink string                 `json:"assigned_link,omitempty"`
	SentAt       *time.Time             `json:"sent_at,omitempty"`
	AckedAt      *time.Time             `json:"acked_at,omitempty"`
	LastError    string                 `json:"last_error,omitempty"`
}

func toDoc(m *chunkmodel.Manifest) *manifestDoc {
	doc := &manifestDoc{
		FileID:      m.FileID,
		FilePath:    m.FilePath,
		FileSize:    m.FileSize,
		FileHash:    m.FileHash,
		TotalChunks: m.TotalChunks,
		Chunks:      make(map[int64]*chunkDoc, len(m.Chunks)),
		Priority:    m.Priority,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		BytesAcked:  m.BytesAcked,
	}
	if !m.CompletedAt.IsZero() {
		t := m.CompletedAt
		doc.CompletedAt = &t
	}
	for id, c := range m.Chunks {
		doc.Chunks[id] = chunkToDoc(c)
	}
	return doc
}

func chunkToDoc(c *chunkmodel.Chunk) *chunkDoc {
	cd := &chunkDoc{
		ChunkID:      c.ChunkID,
		Offset:       c.Offset,
		Size:         c.Size,
		Hash:         c.Hash,
		Status:       c.Status,
		RetryCount:   c.RetryCount,
		AssignedLink: c.AssignedLink,
		LastError:    c.LastError,
	}
	if !c.SentAt.IsZero() {
		t := c.SentAt
		cd.SentAt = &t
	}
	if !c.AckedAt.IsZero() {
		t := c.AckedAt
		cd.AckedAt = &t
	}
	return cd
}

func fromDoc(doc *manifestDoc) *chunkmodel.Manifest {
	m := &chunkmodel.Manifest{
		FileID:      doc.FileID,
		FilePath:    doc.FilePath,
		FileSize:    doc.FileSize,
		FileHash:    doc.FileHash,
		TotalChunks: doc.TotalChunks,
		Chunks:      make(map[int64]*chunkmodel.Chunk, len(doc.Chunks)),
		Priority:    doc.Priority,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		BytesAcked:  doc.BytesAcked,
	}
	if doc.CompletedAt != nil {
		m.CompletedAt = *doc.CompletedAt
	}
	for id, cd := range doc.Chunks {
		m.Chunks[id] = chunkFromDoc(cd)
	}
	return m
}

func chunkFromDoc(cd *chunkDoc) *chunkmodel.Chunk {
	c := &chunkmodel.Chunk{
		ChunkID:      cd.ChunkID,
		Offset:       cd.Offset,
		Size:         cd.Size,
		Hash:         cd.Hash,
		Status:       cd.Status,
		RetryCount:   cd.RetryCount,
		AssignedLink: cd.AssignedLink,
		LastError:    cd.LastError,
	}
	if cd.SentAt != nil {
		c.SentAt = *cd.SentAt
	}
	if cd.AckedAt != nil {
		c.AckedAt = *cd.AckedAt
	}
	return c
}
