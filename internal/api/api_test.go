package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/framer"
	"github.com/coldrelay/linksync/internal/shaper"
)

func newTestAPI(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ManifestDir = t.TempDir()
	cfg.ChunkSize = 16
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
	return e, ctx
}

func writePayload(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src.bin")
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := os.WriteFile(p, buf, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	return p
}

type ackingPeer struct{ conn *net.UDPConn }

func startAckingPeer(t *testing.T) (*ackingPeer, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := &ackingPeer{conn: conn}
	go a.loop()
	return a, conn.LocalAddr().(*net.UDPAddr).Port
}

func (a *ackingPeer) loop() {
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
	}
}

func (a *ackingPeer) close() { a.conn.Close() }

func TestCreateListAndStartTransfer(t *testing.T) {
	e, _ := newTestAPI(t)
	peer, port := startAckingPeer(t)
	defer peer.close()

	src := writePayload(t, 50)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	files, err := e.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || files[0].FileID != m.FileID {
		t.Fatalf("expected exactly the created manifest listed, got %+v", files)
	}

	if err := e.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		stats, err := e.GetStatus(m.FileID)
		if err == nil && stats.ChunksAcked == int64(m.TotalChunks) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("transfer did not complete in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUpdatePriorityRejectsUnknownValue(t *testing.T) {
	e, _ := newTestAPI(t)
	src := writePayload(t, 16)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}

	if err := e.UpdatePriority(m.FileID, chunkmodel.Priority("urgent")); err == nil {
		t.Fatalf("expected an error for an unrecognized priority")
	}
	if err := e.UpdatePriority(m.FileID, chunkmodel.PriorityHigh); err != nil {
		t.Fatalf("UpdatePriority: %v", err)
	}
}

func TestScanInterfacesAndBestLink(t *testing.T) {
	e, ctx := newTestAPI(t)

	metrics := e.ScanInterfaces(ctx)
	found := false
	for _, m := range metrics {
		if m.Name == "lo0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected seeded lo0 metric to survive a scan, got %+v", metrics)
	}

	name, ok := e.BestLink()
	if !ok || name != "lo0" {
		t.Fatalf("expected lo0 as best link, got %q (%v)", name, ok)
	}
}

func TestShaperControlsRoundTrip(t *testing.T) {
	e, _ := newTestAPI(t)

	e.SetShaperProfile("lo0", shaper.Profile{Enabled: true, PacketLoss: 0.5})
	if e.shaper.ShouldSend("lo0") && e.shaper.ShouldSend("lo0") && e.shaper.ShouldSend("lo0") {
		// All three draws pass with probability 1/8 at PacketLoss 0.5;
		// this block only exercises the per-interface profile path and
		// asserts nothing about the outcome.
	}

	e.KillLink("lo0")
	if e.shaper.ShouldSend("lo0") {
		t.Fatalf("expected killed link to refuse every send")
	}

	e.RestoreLink("lo0")
	e.ResetShaper("lo0")
	if !e.shaper.ShouldSend("lo0") {
		t.Fatalf("expected reset shaper to have zero effect")
	}
}

func TestPauseResumeCancelTransfer(t *testing.T) {
	e, _ := newTestAPI(t)
	peer, port := startAckingPeer(t)
	defer peer.close()

	src := writePayload(t, 1<<20)
	m, err := e.CreateManifest(src, chunkmodel.PriorityStandard)
	if err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	if err := e.StartTransfer(m.FileID, "127.0.0.1", port); err != nil {
		t.Fatalf("StartTransfer: %v", err)
	}
	if err := e.PauseTransfer(m.FileID); err != nil {
		t.Fatalf("PauseTransfer: %v", err)
	}
	if err := e.ResumeTransfer(m.FileID); err != nil {
		t.Fatalf("ResumeTransfer: %v", err)
	}
	if err := e.CancelTransfer(m.FileID); err != nil {
		t.Fatalf("CancelTransfer: %v", err)
	}
}
