package meter

import (
	"log/slog"

	"github.com/voragen/genbatch"
)

// LogMeter logs batch events using slog. Credentials are masked before
// they reach the log.
type LogMeter struct {
	Logger *slog.Logger
}

var _ genbatch.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnItemStart(e genbatch.ItemStartEvent) {
	m.Logger.Info("item_start",
		"service", e.Service,
		"model", e.Model,
		"key", genbatch.MaskKey(e.Key),
		"chunk", e.ChunkIndex,
		"variant", e.VariantIndex,
	)
}

func (m *LogMeter) OnItemDone(e genbatch.ItemDoneEvent) {
	if e.LedgerErr != nil {
		m.Logger.Warn("usage_attribution_failed",
			"service", e.Service,
			"key", genbatch.MaskKey(e.Key),
			"error", e.LedgerErr,
		)
	}
	if e.Success {
		m.Logger.Info("item_done",
			"service", e.Service,
			"model", e.Model,
			"key", genbatch.MaskKey(e.Key),
			"chunk", e.ChunkIndex,
			"variant", e.VariantIndex,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("item_error",
			"service", e.Service,
			"model", e.Model,
			"key", genbatch.MaskKey(e.Key),
			"chunk", e.ChunkIndex,
			"variant", e.VariantIndex,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnWave(e genbatch.WaveEvent) {
	m.Logger.Info("wave_start",
		"service", e.Service,
		"wave", e.Index,
		"size", e.Size,
	)
}
