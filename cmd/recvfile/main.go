// Command recvfile listens for DATA packets on a UDP port and reconstructs
// whichever files it receives into an output directory, until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldrelay/linksync/internal/observability"
	"github.com/coldrelay/linksync/internal/reassembler"
)

func main() {
	port := flag.Int("port", 9000, "UDP port to listen on")
	outputDir := flag.String("output-dir", "./received", "Directory reconstructed files are written into")
	fileID := flag.String("expect-file-id", "", "If set, register this file_id's expected chunk count up front so it auto-reconstructs")
	expectChunks := flag.Int("expect-chunks", 0, "Chunk count for -expect-file-id (required if that flag is set)")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables it)")
	flag.Parse()

	logger := observability.NewLogger("linksync-recvfile", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()

	if shutdown, err := observability.InitTracing(context.Background(), "linksync-recvfile"); err == nil {
		defer shutdown(context.Background())
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, metrics, logger)
	}

	r := reassembler.New(*outputDir, logger, metrics)
	defer r.Close()

	if *fileID != "" {
		if *expectChunks <= 0 {
			fmt.Fprintln(os.Stderr, "-expect-chunks must be > 0 when -expect-file-id is set")
			os.Exit(1)
		}
		if err := r.RegisterExpected(*fileID, *expectChunks); err != nil {
			logger.Fatal(err, "recvfile: failed to register expected file")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.ListenAndServe(ctx, *port)
	}()

	logger.Info(fmt.Sprintf("recvfile: listening on :%d, writing into %s", *port, *outputDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("recvfile: interrupted, shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Error(err, "recvfile: listener exited")
		}
	}
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("recvfile: metrics listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "recvfile: metrics server failed")
	}
}
