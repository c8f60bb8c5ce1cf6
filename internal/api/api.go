// Package api is the thin Go facade a control surface (HTTP handler, CLI,
// or anything else) drives: it wires together the manifest store, transfer
// engine, interface scorer, and shaper behind the fixed set of
// control-plane hooks — create_manifest, list_files, get_status,
// start_transfer, pause_transfer, resume_transfer, cancel_transfer,
// update_priority, scan_interfaces, best_link, and the shaper controls.
package api

import (
	"context"

	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/engine"
	"github.com/coldrelay/linksync/internal/linkscore"
	"github.com/coldrelay/linksync/internal/manifeststore"
	"github.com/coldrelay/linksync/internal/observability"
	"github.com/coldrelay/linksync/internal/shaper"
)

// Engine is the sender-side control-plane facade. It owns one manifest
// store, one transfer engine, and one interface scorer, and exposes them
// as a flat set of methods matching the operation list above.
type Engine struct {
	cfg    *config.Config
	store  *manifeststore.Store
	scorer *linkscore.Scorer
	shaper *shaper.Shaper
	core   *engine.Engine
	log    *observability.Logger
}

// New wires a new Engine from configuration and ambient observability
// plumbing, and starts the interface scorer's background scan loop.
func New(ctx context.Context, cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) (*Engine, error) {
	store, err := manifeststore.New(cfg, log)
	if err != nil {
		return nil, err
	}
	scorer := linkscore.New(cfg, log)
	sh := shaper.New()
	core := engine.New(cfg, store, scorer, sh, log, metrics)

	go scorer.Run(ctx)

	return &Engine{cfg: cfg, store: store, scorer: scorer, shaper: sh, core: core, log: log}, nil
}

// SetProgressSink installs a callback invoked after every transfer's
// progress-changing event.
func (e *Engine) SetProgressSink(sink engine.ProgressSink) {
	e.core.SetProgressSink(sink)
}

// CreateManifest plans a new chunked transfer for filePath and persists
// its manifest, returning the caller-observable file_id.
func (e *Engine) CreateManifest(filePath string, priority chunkmodel.Priority) (*chunkmodel.Manifest, error) {
	return e.store.Create(filePath, priority)
}

// ListFiles returns every known manifest, each carrying its priority and
// current status.
func (e *Engine) ListFiles() ([]*chunkmodel.Manifest, error) {
	return e.store.List()
}

// GetStatus returns a transfer's live counters if this Engine has started
// it (running or finished), falling back to the persisted manifest's
// progress otherwise. In the fallback, BytesSent is the manifest's
// bytes_acked and BytesOriginal is the file size.
func (e *Engine) GetStatus(fileID string) (engine.Stats, error) {
	if stats, err := e.core.Status(fileID); err == nil {
		return stats, nil
	}

	m, err := e.store.Load(fileID)
	if err != nil {
		return engine.Stats{}, err
	}

	var acked int64
	for _, c := range m.Chunks {
		if c.Status == chunkmodel.StatusAcked {
			acked++
		}
	}
	return engine.Stats{
		FileID:        fileID,
		BytesSent:     m.BytesAcked,
		BytesOriginal: m.FileSize,
		ChunksAcked:   acked,
		IsActive:      false,
	}, nil
}

// StartTransfer begins (or resumes, on restart) sending fileID's chunks to
// host:port.
func (e *Engine) StartTransfer(fileID, host string, port int) error {
	return e.core.Start(fileID, host, port)
}

// PauseTransfer suspends an active transfer's driving loop.
func (e *Engine) PauseTransfer(fileID string) error {
	return e.core.Pause(fileID)
}

// ResumeTransfer resumes a paused transfer's driving loop.
func (e *Engine) ResumeTransfer(fileID string) error {
	return e.core.Resume(fileID)
}

// CancelTransfer stops an active transfer's task and releases its socket.
func (e *Engine) CancelTransfer(fileID string) error {
	return e.core.Cancel(fileID)
}

// UpdatePriority changes a manifest's scheduling priority.
func (e *Engine) UpdatePriority(fileID string, priority chunkmodel.Priority) error {
	return e.store.SetPriority(fileID, priority)
}

// ScanInterfaces forces an immediate interface probe pass instead of
// waiting for the next scheduled scan, and returns the resulting metrics.
func (e *Engine) ScanInterfaces(ctx context.Context) []*chunkmodel.LinkMetric {
	e.scorer.ScanNow(ctx)
	return e.scorer.Metrics()
}

// BestLink returns the name of the currently highest-scoring eligible
// interface, if any.
func (e *Engine) BestLink() (string, bool) {
	return e.scorer.BestLink()
}

// SetShaperProfile installs a fault-injection profile, globally when
// iface is empty or for a single interface otherwise.
func (e *Engine) SetShaperProfile(iface string, profile shaper.Profile) {
	if iface == "" {
		e.shaper.SetGlobal(profile)
		return
	}
	e.shaper.SetInterface(iface, profile)
}

// KillLink marks an interface (or, if iface is empty, every interface)
// as fully blacked out until Restore is called.
func (e *Engine) KillLink(iface string) {
	e.shaper.Kill(iface)
}

// RestoreLink clears a prior KillLink without discarding the interface's
// loss/latency/jitter configuration.
func (e *Engine) RestoreLink(iface string) {
	e.shaper.Restore(iface)
}

// ResetShaper disables fault injection entirely for an interface, or for
// every interface if iface is empty.
func (e *Engine) ResetShaper(iface string) {
	e.shaper.Reset(iface)
}
