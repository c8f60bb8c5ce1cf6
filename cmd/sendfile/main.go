// Command sendfile plans and drives a chunked transfer of one file to a
// receiver listening on a UDP port, reporting progress until it completes
// or the process is interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldrelay/linksync/internal/api"
	"github.com/coldrelay/linksync/internal/chunkmodel"
	"github.com/coldrelay/linksync/internal/config"
	"github.com/coldrelay/linksync/internal/engine"
	"github.com/coldrelay/linksync/internal/observability"
)

func main() {
	filePath := flag.String("file", "", "Path of the file to send")
	host := flag.String("host", "127.0.0.1", "Receiver host")
	port := flag.Int("port", 9000, "Receiver UDP port")
	priority := flag.String("priority", string(chunkmodel.PriorityStandard), "Transfer priority (high, standard, background)")
	chunkSize := flag.Int64("chunk-size", 0, "Override the default chunk size in bytes (0 keeps the default)")
	window := flag.Int("window", 0, "Override the default sliding-window size (0 keeps the default)")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables it)")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: sendfile -file <path> [-host h] [-port p] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := observability.NewLogger("linksync-sendfile", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	if shutdown, err := observability.InitTracing(context.Background(), "linksync-sendfile"); err == nil {
		defer shutdown(context.Background())
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, metrics, logger)
	}

	cfg := config.DefaultConfig()
	if *chunkSize > 0 {
		cfg.ChunkSize = *chunkSize
	}
	if *window > 0 {
		cfg.Window = *window
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := api.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Fatal(err, "sendfile: failed to initialize engine")
	}

	eng.SetProgressSink(engine.ProgressSinkFunc(func(s engine.Stats) {
		logger.Info(fmt.Sprintf("progress: file_id=%s chunks_acked=%d chunks_sent=%d retransmissions=%d link=%s",
			s.FileID, s.ChunksAcked, s.ChunksSent, s.Retransmissions, s.CurrentLink))
	}))

	m, err := eng.CreateManifest(*filePath, chunkmodel.Priority(*priority))
	if err != nil {
		logger.Fatal(err, "sendfile: failed to create manifest")
	}
	logger.Info(fmt.Sprintf("manifest created: file_id=%s total_chunks=%d file_size=%d", m.FileID, m.TotalChunks, m.FileSize))

	if err := eng.StartTransfer(m.FileID, *host, *port); err != nil {
		logger.Fatal(err, "sendfile: failed to start transfer")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			logger.Info("sendfile: interrupted, cancelling transfer")
			eng.CancelTransfer(m.FileID)
			return
		case <-ticker.C:
			stats, err := eng.GetStatus(m.FileID)
			if err != nil {
				continue
			}
			if int(stats.ChunksAcked) == m.TotalChunks {
				logger.Info(fmt.Sprintf("sendfile: transfer complete, file_id=%s", m.FileID))
				return
			}
		}
	}
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("sendfile: metrics listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "sendfile: metrics server failed")
	}
}
