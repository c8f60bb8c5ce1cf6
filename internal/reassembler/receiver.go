// Package reassembler implements the receiver side of a transfer: it binds
// a UDP socket, validates and stores incoming DATA packets, ACKs them, and
// reconstructs the original file once every chunk has arrived.
//
// Each datagram goes through the same pipeline: parse header, verify,
// write to the right file offset, notify, ACK. There is no encryption,
// forward-error-correction, or Merkle-root verification stage; integrity
// rests entirely on the per-chunk hash carried in the header.
package reassembler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coldrelay/linksync/internal/framer"
	"github.com/coldrelay/linksync/internal/observability"
)

// ErrUnknownFile is returned by operations on a file_id the receiver has
// never seen a datagram or a RegisterExpected call for.
var ErrUnknownFile = errors.New("reassembler: unknown file_id")

// receiverState tracks one file's reception progress. totalChunks is -1
// until it is learned, either via RegisterExpected (an out-of-band hint)
// or never, in which case the file is only finalized by an explicit
// Reconstruct call.
type receiverState struct {
	mu            sync.Mutex
	fileID        string
	outputPath    string
	totalChunks   int
	bitmap        *chunkBitmap
	file          *os.File
	lastUpdated   time.Time
	reassembled   bool
}

// Receiver accepts DATA packets for any number of concurrent file_ids and
// ACKs each one it accepts, dropping anything malformed or corrupt without
// reply.
type Receiver struct {
	outputDir string
	log       *observability.Logger
	metrics   *observability.Metrics

	conn *net.UDPConn

	mu     sync.Mutex
	states map[string]*receiverState
}

// New creates a Receiver that reconstructs files into outputDir.
func New(outputDir string, log *observability.Logger, metrics *observability.Metrics) *Receiver {
	return &Receiver{
		outputDir: outputDir,
		log:       log,
		metrics:   metrics,
		states:    make(map[string]*receiverState),
	}
}

// OutputDir returns the directory reconstructed files are written into.
func (r *Receiver) OutputDir() string {
	return r.outputDir
}

// RegisterExpected tells the receiver how many chunks fileID will have
// (the output is always written to OutputDir()/fileID), so it can finalize automatically
// as soon as the last one arrives instead of waiting on an explicit
// Reconstruct call. Safe to call before or after chunks start arriving.
func (r *Receiver) RegisterExpected(fileID string, totalChunks int) error {
	st, err := r.stateFor(fileID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.totalChunks = totalChunks
	st.mu.Unlock()
	return nil
}

// ListenAndServe binds a UDP socket on 0.0.0.0:port and serves datagrams
// until ctx is cancelled.
func (r *Receiver) ListenAndServe(ctx context.Context, port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("reassembler: listen on :%d: %w", port, err)
	}
	r.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		go r.handleDatagram(datagram, addr)
	}
}

// handleDatagram implements the per-packet pipeline: parse, decompress,
// verify, store, ack. Any failure drops the datagram silently; the sender's
// own timeout-driven retransmission is what recovers from a drop, not a
// NACK.
func (r *Receiver) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	_, span := observability.Tracer("linksync-reassembler").Start(context.Background(), "reassembler.handleDatagram")
	defer span.End()

	d, err := framer.DecodeData(datagram)
	if err != nil {
		r.drop("", "malformed")
		return
	}

	payload, err := d.Decompress()
	if err != nil {
		r.drop(d.FileID, "decompress")
		return
	}

	if framer.HashPayload(payload) != d.ChunkHash {
		r.drop(d.FileID, "hash_mismatch")
		return
	}

	st, err := r.stateFor(d.FileID)
	if err != nil {
		r.drop(d.FileID, "no_output_target")
		return
	}

	st.mu.Lock()
	if _, err := st.file.WriteAt(payload, int64(d.Offset)); err != nil {
		st.mu.Unlock()
		if r.log != nil {
			r.log.Error(err, "reassembler: write chunk")
		}
		return
	}
	st.bitmap.SetChunk(int64(d.ChunkID))
	st.lastUpdated = time.Now()
	complete := !st.reassembled && st.bitmap.IsCompleteFor(st.totalChunks)
	if complete {
		st.reassembled = true
	}
	st.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ChunksReceivedTotal.Inc()
	}

	ack, err := framer.EncodeAck(d.FileID, d.ChunkID)
	if err == nil && r.conn != nil {
		r.conn.WriteToUDP(ack, addr)
	}

	if complete {
		r.finalize(st)
	}
}

func (r *Receiver) drop(fileID, reason string) {
	if r.log != nil {
		r.log.ChunkDropped(fileID, reason)
	}
	if r.metrics != nil {
		r.metrics.ChunksDroppedTotal.WithLabelValues(reason).Inc()
	}
}

// finalize syncs the output file to disk and logs/records completion. Late
// duplicate chunks for a file already finalized are still accepted and
// re-ACKed (handleDatagram does not special-case reassembled state for
// writes), matching "overwriting is idempotent".
func (r *Receiver) finalize(st *receiverState) {
	st.mu.Lock()
	f := st.file
	path := st.outputPath
	st.mu.Unlock()

	if err := f.Sync(); err != nil && r.log != nil {
		r.log.Error(err, "reassembler: sync reconstructed file")
	}
	if info, err := f.Stat(); err == nil && r.log != nil {
		r.log.FileReassembled(st.fileID, path, info.Size())
	}
	if r.metrics != nil {
		r.metrics.FilesReassembledTotal.Inc()
	}
}

// Reconstruct explicitly finalizes fileID once its chunk count is known out
// of band, for callers that did not call RegisterExpected up front. It is a
// no-op (returns nil) if the file was already finalized automatically.
func (r *Receiver) Reconstruct(fileID string, totalChunks int) error {
	st, err := r.stateFor(fileID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.totalChunks = totalChunks
	already := st.reassembled
	complete := !already && st.bitmap.IsCompleteFor(totalChunks)
	if complete {
		st.reassembled = true
	}
	st.mu.Unlock()

	if complete {
		r.finalize(st)
	}
	return nil
}

// Progress reports how many distinct chunks have been received for fileID
// and, if known, how many are expected in total (-1 if unknown).
func (r *Receiver) Progress(fileID string) (received int64, total int, ok bool) {
	r.mu.Lock()
	st, found := r.states[fileID]
	r.mu.Unlock()
	if !found {
		return 0, -1, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.bitmap.Count(), st.totalChunks, true
}

func (r *Receiver) stateFor(fileID string) (*receiverState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[fileID]; ok {
		return st, nil
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("reassembler: create output dir: %w", err)
	}
	outputPath := filepath.Join(r.outputDir, fileID)
	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reassembler: open output file: %w", err)
	}

	st := &receiverState{
		fileID:      fileID,
		outputPath:  outputPath,
		totalChunks: -1,
		bitmap:      newChunkBitmap(),
		file:        f,
	}
	r.states[fileID] = st
	return st, nil
}

// Close releases every open output file handle.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, st := range r.states {
		if err := st.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
