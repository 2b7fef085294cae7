package meter

import (
	"log/slog"

	"github.com/ineyio/usagemeter"
)

// LogMeter logs session and sync events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ usagemeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSession(e usagemeter.SessionEvent) {
	if e.Kind == usagemeter.SessionStarted {
		m.Logger.Info("session_start",
			"user_id", e.UserID,
			"session_id", e.SessionID,
			"plan", e.Plan,
		)
		return
	}
	m.Logger.Info("session_end",
		"user_id", e.UserID,
		"session_id", e.SessionID,
		"plan", e.Plan,
		"reason", e.Reason,
		"minutes", e.Minutes,
	)
}

func (m *LogMeter) OnSync(e usagemeter.SyncEvent) {
	if e.Error == nil {
		m.Logger.Debug("sync",
			"kind", e.Kind,
			"user_id", e.UserID,
			"version", e.Version,
			"async", e.Async,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("sync_error",
			"kind", e.Kind,
			"user_id", e.UserID,
			"version", e.Version,
			"async", e.Async,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
