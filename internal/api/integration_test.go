package api

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/framer"
	"github.com/coldrelay/linksync/internal/reassembler"
	"github.com/coldrelay/linksync/internal/shaper"
)

// newLoopbackPair builds a sending Engine and a real reassembler.Receiver
// bound to an ephemeral loopback port, wiring the former's seeded link at
// the latter's address. This exercises the actual wire format end to end,
// unlike the fakeAcker/ackingPeer stand-ins used elsewhere, which only ACK
// without ever reconstructing a file.
func newLoopbackPair(t *testing.T) (*Engine, *reassembler.Receiver, int, context.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ManifestDir = t.TempDir()
	cfg.ChunkSize = 32
	cfg.Window = 4
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxRetries = 6
	cfg.RetryDelayBase = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e, err := New(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.scorer.Seed("lo0", "127.0.0.1", 0.9)

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	r := reassembler.New(t.TempDir(), nil, nil)
	t.Cleanup(func() { r.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- r.ListenAndServe(ctx, port) }()
	// ListenAndServe binds its socket synchronously before it starts
	// reading; give that goroutine a moment to run before any datagram
	// is sent. The engine's own retry/backoff would recover from a miss
	// here regardless, but this avoids relying on that in the common case.
	time.Sleep(20 * time.Millisecond)

	return e, r, port, ctx
}

func writeRandomPayload(t *testing.T, size int) (string, []byte) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "payload.bin")
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte((i*7 + 13) % 251)
	}
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return p, buf
}

func waitForAcked(t *testing.T, e *Engine, fileID string, total int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		stats, err := e.GetStatus(fileID)
		if err == nil && int(stats.ChunksAcked) == total {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("transfer of %s did not reach %d acked chunks in time", fileID, total)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLoopbackBaselineTransferReconstructsFile(t *testing.T) {
	e, r, port, _ := newLoopbackPair(t)

	src, want := writeRandomPayload(t, 2000)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	if err := r.RegisterExpected(m.FileID, m.TotalChunks); err != nil {
		t.Fatalf("RegisterExpected: %v", err)
	}
	if err := e.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}

	waitForAcked(t, e, m.FileID, m.TotalChunks, 5*time.Second)

	deadline := time.After(2 * time.Second)
	for {
		if _, total, ok := r.Progress(m.FileID); ok && total == m.TotalChunks {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("receiver never registered progress for %s", m.FileID)
		case <-time.After(10 * time.Millisecond):
		}
	}

	got, err := os.ReadFile(filepath.Join(r.OutputDir(), m.FileID))
	if err != nil {
		t.Fatalf("read reconstructed file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reconstructed file does not match source (got %d bytes, want %d)", len(got), len(want))
	}
}

func TestLoopbackTransferSurvivesPacketLoss(t *testing.T) {
	e, r, port, _ := newLoopbackPair(t)
	e.SetShaperProfile("lo0", shaper.Profile{Enabled: true, PacketLoss: 0.3})

	src, want := writeRandomPayload(t, 3000)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	if err := r.RegisterExpected(m.FileID, m.TotalChunks); err != nil {
		t.Fatalf("RegisterExpected: %v", err)
	}
	if err := e.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}

	waitForAcked(t, e, m.FileID, m.TotalChunks, 10*time.Second)

	got, err := os.ReadFile(filepath.Join(r.OutputDir(), m.FileID))
	if err != nil {
		t.Fatalf("read reconstructed file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reconstructed file does not match source under loss")
	}
}

func TestLoopbackResumesAfterSenderRestart(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ManifestDir = t.TempDir()
	cfg.ChunkSize = 16
	cfg.Window = 2
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxRetries = 6
	cfg.RetryDelayBase = 40 * time.Millisecond

	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	r := reassembler.New(t.TempDir(), nil, nil)
	t.Cleanup(func() { r.Close() })
	rCtx, rCancel := context.WithCancel(context.Background())
	t.Cleanup(rCancel)
	go r.ListenAndServe(rCtx, port)
	time.Sleep(20 * time.Millisecond)

	src, want := writeRandomPayload(t, 400)

	// First Engine creates the manifest, starts sending, but is cancelled
	// before every chunk is acked, simulating a crash or a restart.
	firstCtx, firstCtxCancel := context.WithCancel(context.Background())
	t.Cleanup(firstCtxCancel)
	e1, err := New(firstCtx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New (first): %v", err)
	}
	e1.scorer.Seed("lo0", "127.0.0.1", 0.9)
	// Drop most datagrams so the first run persists partial progress
	// without completing.
	e1.SetShaperProfile("lo0", shaper.Profile{Enabled: true, PacketLoss: 0.9})

	m, err := e1.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	if err := r.RegisterExpected(m.FileID, m.TotalChunks); err != nil {
		t.Fatalf("RegisterExpected: %v", err)
	}
	if err := e1.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer (first): %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := e1.CancelTransfer(m.FileID); err != nil {
		t.Fatalf("CancelTransfer (first): %v", err)
	}

	// A second Engine, pointed at the same manifest directory, resumes
	// the same file_id from whatever chunks the manifest already has
	// acked, instead of starting over.
	secondCtx, secondCancel := context.WithCancel(context.Background())
	t.Cleanup(secondCancel)
	e2, err := New(secondCtx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	e2.scorer.Seed("lo0", "127.0.0.1", 0.9)

	if err := e2.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer (second): %v", err)
	}
	waitForAcked(t, e2, m.FileID, m.TotalChunks, 5*time.Second)

	got, err := os.ReadFile(filepath.Join(r.OutputDir(), m.FileID))
	if err != nil {
		t.Fatalf("read reconstructed file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reconstructed file does not match source after resume")
	}
}

// duplicatingAcker is a raw UDP peer that, for every DATA packet it
// receives, writes the matching ACK back twice in a row — standing in for
// a retransmitted ACK datagram reaching the sender a second time — so a
// test can assert the sender's chunks_acked counter does not move on the
// second one.
type duplicatingAcker struct{ conn *net.UDPConn }

func startDuplicatingAcker(t *testing.T) (*duplicatingAcker, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := &duplicatingAcker{conn: conn}
	go a.loop()
	return a, conn.LocalAddr().(*net.UDPAddr).Port
}

func (a *duplicatingAcker) loop() {
	buf := make([]byte, 4096)
	for {
		n, addr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		d, err := framer.DecodeData(buf[:n])
		if err != nil {
			continue
		}
		ack, err := framer.EncodeAck(d.FileID, d.ChunkID)
		if err != nil {
			continue
		}
		a.conn.WriteToUDP(ack, addr)
		a.conn.WriteToUDP(ack, addr)
	}
}

func (a *duplicatingAcker) close() { a.conn.Close() }

func TestLoopbackDuplicateAcksDoNotOverCount(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ManifestDir = t.TempDir()
	cfg.ChunkSize = 500 // one chunk, so every ack the sender sees is for chunk 0
	cfg.Window = 4
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryDelayBase = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e, err := New(ctx, cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.scorer.Seed("lo0", "127.0.0.1", 0.9)

	acker, port := startDuplicatingAcker(t)
	defer acker.close()

	src, _ := writeRandomPayload(t, 500)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	if m.TotalChunks != 1 {
		t.Fatalf("expected exactly one chunk, got %d", m.TotalChunks)
	}
	if err := e.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	waitForAcked(t, e, m.FileID, 1, 5*time.Second)

	// Give the second (duplicate) ack time to arrive and be processed
	// before checking that it didn't move the counter.
	time.Sleep(100 * time.Millisecond)

	stats, err := e.GetStatus(m.FileID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if stats.ChunksAcked != 1 {
		t.Fatalf("expected chunks_acked to stay at 1 after a duplicate ack, got %d", stats.ChunksAcked)
	}
}
