package engine

import "sync/atomic"

// Stats are the live counters exposed by status(file_id).
type Stats struct {
	FileID            string
	BytesSent         int64 // on wire, post-compression
	BytesOriginal     int64
	ChunksSent        int64
	ChunksAcked       int64
	Retransmissions   int64
	LinkSwitches      int64
	CurrentLink       string
	ThroughputMbps    float64
	CompressionRatio  float64
	IsActive          bool
	IsPaused          bool
}

// counters holds the atomically-updated fields backing Stats, since many
// are mutated from the transfer goroutine while status() may be called
// concurrently from the control plane.
type counters struct {
	bytesSent       atomic.Int64
	bytesOriginal   atomic.Int64
	chunksSent      atomic.Int64
	chunksAcked     atomic.Int64
	retransmissions atomic.Int64
	linkSwitches    atomic.Int64
}

func (c *counters) snapshot() (bytesSent, bytesOriginal, chunksSent, chunksAcked, retransmissions, linkSwitches int64) {
	return c.bytesSent.Load(), c.bytesOriginal.Load(), c.chunksSent.Load(),
		c.chunksAcked.Load(), c.retransmissions.Load(), c.linkSwitches.Load()
}
