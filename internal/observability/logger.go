package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging scoped to a channel and peer.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger for service/version, writing to
// output (os.Stdout if nil).
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

// WithChannel adds channel_id context to the logger.
func (l *Logger) WithChannel(channel uint64) *Logger {
	return &Logger{logger: l.logger.With().Uint64("channel_id", channel).Logger()}
}

// WithPeer adds peer_addr context to the logger.
func (l *Logger) WithPeer(peerAddr string) *Logger {
	return &Logger{logger: l.logger.With().Str("peer_addr", peerAddr).Logger()}
}

// WithHash adds content hash context to the logger.
func (l *Logger) WithHash(hash string) *Logger {
	return &Logger{logger: l.logger.With().Str("hash", hash).Logger()}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logger.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logger.Warn().Msgf(format, args...) }

// Errorf logs err alongside a formatted message.
func (l *Logger) Errorf(err error, format string, args ...interface{}) {
	l.logger.Error().Err(err).Msgf(format, args...)
}

// TransferStarted logs the beginning of a channel's transfer.
func (l *Logger) TransferStarted(channel uint64, role, hash string, numChunks uint64) {
	l.logger.Info().
		Uint64("channel_id", channel).
		Str("role", role).
		Str("hash", hash).
		Uint64("num_chunks", numChunks).
		Msg("transfer started")
}

// TransferCompleted logs successful completion of a channel's transfer.
func (l *Logger) TransferCompleted(channel uint64, role, hash string, duration time.Duration) {
	l.logger.Info().
		Uint64("channel_id", channel).
		Str("role", role).
		Str("hash", hash).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed")
}

// TransferFailed logs a channel's transfer ending in failure or timeout.
func (l *Logger) TransferFailed(channel uint64, role string, cause error) {
	l.logger.Error().
		Uint64("channel_id", channel).
		Str("role", role).
		Err(cause).
		Msg("transfer failed")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
