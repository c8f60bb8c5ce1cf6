package engine

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/framer"
	"github.com/coldrelay/linksync/internal/observability"
)

// ackBatchSize bounds how many pending ACKs a single tick drains from the
// socket without blocking.
const ackBatchSize = 64

// rescanBackoff is the brief pause between best-link lookups when no
// interface is yet scored.
const rescanBackoff = 200 * time.Millisecond

// transfer drives one file_id's chunks from source to receiver.
type transfer struct {
	engine *Engine
	m      *chunkmodel.Manifest

	host string
	port int
	raddr *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc

	paused  atomic.Bool
	active  atomic.Bool
	done    atomic.Bool

	conn        *net.UDPConn
	currentLink string

	c counters
}

func newTransfer(e *Engine, m *chunkmodel.Manifest, host string, port int, ctx context.Context, cancel context.CancelFunc) *transfer {
	t := &transfer{engine: e, m: m, host: host, port: port, ctx: ctx, cancel: cancel}
	t.active.Store(true)
	// A resumed manifest already has some chunks ACKED; count them so
	// chunks_acked reflects the whole file, not just this run.
	for _, c := range m.Chunks {
		if c.Status == chunkmodel.StatusAcked {
			t.c.chunksAcked.Add(1)
		}
	}
	return t
}

func (t *transfer) isRunning() bool { return t.active.Load() && !t.done.Load() }

func (t *transfer) stats() Stats {
	bytesSent, bytesOriginal, chunksSent, chunksAcked, retransmissions, linkSwitches := t.c.snapshot()
	ratio := 1.0
	if bytesOriginal > 0 {
		ratio = float64(bytesSent) / float64(bytesOriginal)
	}
	return Stats{
		FileID:           t.m.FileID,
		BytesSent:        bytesSent,
		BytesOriginal:    bytesOriginal,
		ChunksSent:       chunksSent,
		ChunksAcked:      chunksAcked,
		Retransmissions:  retransmissions,
		LinkSwitches:     linkSwitches,
		CurrentLink:      t.currentLink,
		CompressionRatio: ratio,
		IsActive:         t.isRunning(),
		IsPaused:         t.paused.Load(),
	}
}

func (t *transfer) run() {
	fileID := t.m.FileID
	start := time.Now()

	ctx, span := observability.Tracer("linksync-engine").Start(t.ctx, "engine.transfer")
	t.ctx = ctx
	defer span.End()

	defer func() {
		t.active.Store(false)
		t.done.Store(true)
		if t.conn != nil {
			t.conn.Close()
		}
		if t.engine.metrics != nil {
			t.engine.metrics.TransfersActive.Dec()
		}
	}()

	raddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		if t.engine.log != nil {
			t.engine.log.Error(err, "engine: resolve receiver address")
		}
		return
	}
	t.raddr = raddr

	ticker := time.NewTicker(t.engine.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.reportProgress()
			return
		default:
		}

		if t.paused.Load() {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		if !t.ensureLink() {
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(rescanBackoff):
				continue
			}
		}

		t.drainAcks()
		t.fillWindow()
		t.scanTimeouts()
		t.reportProgress()

		complete, err := t.engine.store.IsComplete(fileID)
		if err == nil && complete {
			if t.engine.log != nil {
				t.engine.log.TransferCompleted(fileID, t.m.FileSize, time.Since(start))
			}
			if t.engine.metrics != nil {
				t.engine.metrics.TransfersTotal.WithLabelValues("success").Inc()
			}
			return
		}

		select {
		case <-t.ctx.Done():
			t.reportProgress()
			return
		case <-ticker.C:
		}
	}
}

// ensureLink queries the best-scoring interface and, if it differs from
// the transfer's current one, closes and recreates the socket bound to
// it. It returns false when no link is available at all.
func (t *transfer) ensureLink() bool {
	name, ok := t.engine.scorer.BestLink()
	if !ok {
		t.engine.scorer.ScanNow(t.ctx)
		return false
	}

	if name == t.currentLink && t.conn != nil {
		return true
	}

	addr, ok := t.engine.scorer.AddressFor(name)
	if !ok {
		return false
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addr)})
	if err != nil {
		if t.engine.log != nil {
			t.engine.log.Error(err, "engine: bind socket to "+name)
		}
		return false
	}

	previous := t.currentLink
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.currentLink = name

	if previous != "" {
		t.c.linkSwitches.Add(1)
		if t.engine.metrics != nil {
			t.engine.metrics.LinkSwitchesTotal.Inc()
		}
		if t.engine.log != nil {
			score := 0.0
			for _, lm := range t.engine.scorer.Metrics() {
				if lm.Name == name {
					score = lm.LinkScore
				}
			}
			t.engine.log.LinkSwitch(t.m.FileID, previous, name, score)
		}
	}
	return true
}

// drainAcks reads up to ackBatchSize datagrams without blocking past the
// current tick.
func (t *transfer) drainAcks() {
	buf := make([]byte, 2048)
	for i := 0; i < ackBatchSize; i++ {
		t.conn.SetReadDeadline(time.Now())
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		ack, err := framer.DecodeAck(buf[:n])
		if err != nil {
			continue // malformed ACK, dropped silently
		}
		if ack.FileID != t.m.FileID {
			continue // ACK for a different file_id on the same socket
		}
		firstAck, err := t.engine.store.UpdateChunkStatus(t.m.FileID, int64(ack.ChunkID), chunkmodel.StatusAcked, "")
		if err != nil {
			continue
		}
		if !firstAck {
			continue // duplicate/retransmitted ack for an already-acked chunk
		}
		t.c.chunksAcked.Add(1)
		if t.engine.metrics != nil {
			t.engine.metrics.ChunksAckedTotal.Inc()
		}
	}
}

// fillWindow sends up to WINDOW-|in_flight| pending chunks.
func (t *transfer) fillWindow() {
	inFlight, err := t.engine.store.GetInFlight(t.m.FileID)
	if err != nil {
		return
	}
	available := t.engine.cfg.Window - len(inFlight)
	if available <= 0 {
		return
	}

	pending, err := t.engine.store.GetPending(t.m.FileID, available)
	if err != nil {
		return
	}

	for _, c := range pending {
		t.sendFirstOrResurrected(c)
	}
}

// sendFirstOrResurrected transitions a PENDING or FAILED chunk to
// IN_FLIGHT and sends it, gated by the shaper.
func (t *transfer) sendFirstOrResurrected(c *chunkmodel.Chunk) {
	link := t.currentLink
	if !t.engine.shaper.ShouldSend(link) {
		return // dropped silently; chunk stays PENDING/FAILED for the next tick
	}
	if d := t.engine.shaper.Delay(link); d > 0 {
		time.Sleep(d)
	}

	raw, packet, err := t.readAndEncode(c)
	if err != nil {
		t.markFailed(c.ChunkID)
		return
	}

	if _, err := t.engine.store.UpdateChunkStatus(t.m.FileID, c.ChunkID, chunkmodel.StatusInFlight, link); err != nil {
		return
	}

	if _, err := t.conn.WriteToUDP(packet, t.raddr); err != nil {
		t.markFailed(c.ChunkID)
		return
	}

	t.recordSent(len(packet), len(raw))
}

// scanTimeouts retransmits or fails IN_FLIGHT chunks whose deadline has
// elapsed.
func (t *transfer) scanTimeouts() {
	inFlight, err := t.engine.store.GetInFlight(t.m.FileID)
	if err != nil {
		return
	}

	now := time.Now()
	for _, c := range inFlight {
		backoff := t.engine.cfg.RetryDelayBase * time.Duration(1<<uint(c.RetryCount))
		if now.Sub(c.SentAt) <= backoff {
			continue
		}

		if c.RetryCount >= t.engine.cfg.MaxRetries {
			t.markFailed(c.ChunkID)
			if t.engine.log != nil {
				t.engine.log.ChunkFailed(t.m.FileID, c.ChunkID, c.RetryCount)
			}
			if t.engine.metrics != nil {
				t.engine.metrics.ChunksFailedTotal.Inc()
			}
			continue
		}

		t.retransmit(c)
	}
}

func (t *transfer) retransmit(c *chunkmodel.Chunk) {
	link := t.currentLink
	if !t.engine.shaper.ShouldSend(link) {
		return // dropped silently; retry_count untouched, timeout path will try again
	}
	if d := t.engine.shaper.Delay(link); d > 0 {
		time.Sleep(d)
	}

	raw, packet, err := t.readAndEncode(c)
	if err != nil {
		t.markFailed(c.ChunkID)
		return
	}

	retryCount, err := t.engine.store.IncrementRetry(t.m.FileID, c.ChunkID, "timeout")
	if err != nil {
		return
	}
	if _, err := t.engine.store.UpdateChunkStatus(t.m.FileID, c.ChunkID, chunkmodel.StatusInFlight, link); err != nil {
		return
	}

	if _, err := t.conn.WriteToUDP(packet, t.raddr); err != nil {
		t.markFailed(c.ChunkID)
		return
	}

	t.c.retransmissions.Add(1)
	if t.engine.metrics != nil {
		t.engine.metrics.ChunksRetransmitted.WithLabelValues("timeout").Inc()
	}
	if t.engine.log != nil {
		t.engine.log.ChunkRetransmit(t.m.FileID, c.ChunkID, retryCount, link)
	}
	t.recordSent(len(packet), len(raw))
}

func (t *transfer) readAndEncode(c *chunkmodel.Chunk) (raw, packet []byte, err error) {
	f, err := os.Open(t.m.FilePath)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	raw = make([]byte, c.Size)
	if _, err := f.ReadAt(raw, c.Offset); err != nil {
		return nil, nil, err
	}

	packet, err = framer.EncodeData(t.m.FileID, uint32(c.ChunkID), uint64(c.Offset), raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, packet, nil
}

func (t *transfer) markFailed(chunkID int64) {
	t.engine.store.UpdateChunkStatus(t.m.FileID, chunkID, chunkmodel.StatusFailed, "")
}

func (t *transfer) recordSent(wireBytes, originalBytes int) {
	t.c.bytesSent.Add(int64(wireBytes))
	t.c.bytesOriginal.Add(int64(originalBytes))
	t.c.chunksSent.Add(1)
	if t.engine.metrics != nil {
		t.engine.metrics.ChunksSentTotal.Inc()
		t.engine.metrics.BytesOnWireTotal.WithLabelValues("tx").Add(float64(wireBytes))
		if originalBytes > 0 {
			t.engine.metrics.CompressionRatio.Observe(float64(wireBytes) / float64(originalBytes))
		}
	}
}

func (t *transfer) reportProgress() {
	t.engine.mu.Lock()
	sink := t.engine.sink
	t.engine.mu.Unlock()
	if sink != nil {
		sink.OnProgress(t.stats())
	}
}
