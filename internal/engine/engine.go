// Package engine is the transfer engine: the reliability and
// scheduling core driving chunks from a source file to a receiver over a
// sliding window of UDP datagrams, with link-quality-driven interface
// selection and exponential-backoff retransmission.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/linkscore"
	"github.com/coldrelay/linksync/internal/manifeststore"
	"github.com/coldrelay/linksync/internal/observability"
	"github.com/coldrelay/linksync/internal/shaper"
)

// ErrAlreadyActive is returned by Start when a transfer for the given
// file_id is already running: Start is idempotent per file_id, and a
// second call while active returns a failure rather than restarting it.
var ErrAlreadyActive = errors.New("engine: transfer already active")

// ErrNotActive is returned by Pause/Resume/Cancel for an unknown file_id.
var ErrNotActive = errors.New("engine: no active transfer for file_id")

// ProgressSink is invoked after each progress-changing event.
type ProgressSink interface {
	OnProgress(Stats)
}

// ProgressSinkFunc adapts a function to a ProgressSink.
type ProgressSinkFunc func(Stats)

// OnProgress implements ProgressSink.
func (f ProgressSinkFunc) OnProgress(s Stats) { f(s) }

// Engine manages the set of active per-file transfers.
type Engine struct {
	cfg     *config.Config
	store   *manifeststore.Store
	scorer  *linkscore.Scorer
	shaper  *shaper.Shaper
	log     *observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	transfers map[string]*transfer
	sink      ProgressSink
}

// New creates an Engine over the given manifest store, interface scorer,
// shaper, and ambient observability plumbing.
func New(cfg *config.Config, store *manifeststore.Store, scorer *linkscore.Scorer, sh *shaper.Shaper, log *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		scorer:    scorer,
		shaper:    sh,
		log:       log,
		metrics:   metrics,
		transfers: make(map[string]*transfer),
	}
}

// SetProgressSink installs the single progress reporter used by every
// transfer.
func (e *Engine) SetProgressSink(sink ProgressSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Start launches a transfer task for fileID, sending to host:port. It is
// idempotent per file_id: a second call while active returns
// ErrAlreadyActive.
func (e *Engine) Start(fileID, host string, port int) error {
	m, err := e.store.Load(fileID)
	if err != nil {
		return fmt.Errorf("engine: load manifest %s: %w", fileID, err)
	}

	e.mu.Lock()
	if existing, ok := e.transfers[fileID]; ok && existing.isRunning() {
		e.mu.Unlock()
		return ErrAlreadyActive
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := newTransfer(e, m, host, port, ctx, cancel)
	e.transfers[fileID] = t
	e.mu.Unlock()

	if e.log != nil {
		e.log.TransferStarted(fileID, m.FileSize, m.TotalChunks)
	}
	if e.metrics != nil {
		e.metrics.TransfersActive.Inc()
	}

	go t.run()
	return nil
}

// Pause marks a transfer paused; the driving loop yields without sending
// or retransmitting until Resume is called.
func (e *Engine) Pause(fileID string) error {
	t, err := e.lookup(fileID)
	if err != nil {
		return err
	}
	t.paused.Store(true)
	return nil
}

// Resume clears a transfer's paused flag.
func (e *Engine) Resume(fileID string) error {
	t, err := e.lookup(fileID)
	if err != nil {
		return err
	}
	t.paused.Store(false)
	return nil
}

// Cancel terminates a transfer's task and releases its socket.
func (e *Engine) Cancel(fileID string) error {
	t, err := e.lookup(fileID)
	if err != nil {
		return err
	}
	t.cancel()
	return nil
}

// Status returns live counters for an active or previously active
// transfer.
func (e *Engine) Status(fileID string) (Stats, error) {
	t, err := e.lookup(fileID)
	if err != nil {
		return Stats{}, err
	}
	return t.stats(), nil
}

func (e *Engine) lookup(fileID string) (*transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[fileID]
	if !ok {
		return nil, ErrNotActive
	}
	return t, nil
}
