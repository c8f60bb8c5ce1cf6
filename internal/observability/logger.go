// Package observability provides the structured logging and metrics plumbing
// shared by every transfer-engine component.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithFile adds file_id/file_path context to the logger.
func (l *Logger) WithFile(fileID, filePath string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_id", fileID).
			Str("file_path", filePath).
			Logger(),
	}
}

// WithInterface adds the local interface name to the logger.
func (l *Logger) WithInterface(name string) *Logger {
	return &Logger{logger: l.logger.With().Str("interface", name).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// TransferStarted logs the start of a transfer.
func (l *Logger) TransferStarted(fileID string, fileSize int64, totalChunks int) {
	l.logger.Info().
		Str("file_id", fileID).
		Int64("file_size", fileSize).
		Int("total_chunks", totalChunks).
		Msg("transfer started")
}

// ChunkRetransmit logs a chunk retransmission.
func (l *Logger) ChunkRetransmit(fileID string, chunkID int64, retryCount int, link string) {
	l.logger.Debug().
		Str("file_id", fileID).
		Int64("chunk_id", chunkID).
		Int("retry_count", retryCount).
		Str("link", link).
		Msg("chunk retransmitted")
}

// ChunkFailed logs a chunk that has exhausted its retries.
func (l *Logger) ChunkFailed(fileID string, chunkID int64, retryCount int) {
	l.logger.Warn().
		Str("file_id", fileID).
		Int64("chunk_id", chunkID).
		Int("retry_count", retryCount).
		Msg("chunk exhausted retries")
}

// LinkSwitch logs a sender-side uplink switch.
func (l *Logger) LinkSwitch(fileID, from, to string, score float64) {
	l.logger.Info().
		Str("file_id", fileID).
		Str("from", from).
		Str("to", to).
		Float64("score", score).
		Msg("switched uplink")
}

// TransferCompleted logs transfer completion.
func (l *Logger) TransferCompleted(fileID string, fileSize int64, duration time.Duration) {
	l.logger.Info().
		Str("file_id", fileID).
		Int64("file_size", fileSize).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed")
}

// ChunkDropped logs a receiver-side datagram drop.
func (l *Logger) ChunkDropped(fileID, reason string) {
	l.logger.Debug().
		Str("file_id", fileID).
		Str("reason", reason).
		Msg("dropped datagram")
}

// FileReassembled logs completion of receiver-side reconstruction.
func (l *Logger) FileReassembled(fileID, outputPath string, fileSize int64) {
	l.logger.Info().
		Str("file_id", fileID).
		Str("output_path", outputPath).
		Int64("file_size", fileSize).
		Msg("file reassembled")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
