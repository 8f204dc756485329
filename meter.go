package genbatch

import "time"

// Meter observes batch execution for monitoring/logging.
type Meter interface {
	// OnItemStart is called when an item has a key and is about to call
	// the backend.
	OnItemStart(event ItemStartEvent)

	// OnItemDone is called when an item settles.
	OnItemDone(event ItemDoneEvent)

	// OnWave is called when a wave of items begins.
	OnWave(event WaveEvent)
}

// ItemStartEvent describes an item entering execution. Key is the raw
// credential; meters that log must mask it (see MaskKey).
type ItemStartEvent struct {
	Service      Service
	Model        string
	Key          string
	ChunkIndex   int
	VariantIndex int
}

// ItemDoneEvent describes a settled item. LedgerErr carries a failed
// usage attribution: the item's outcome stands, but the quota record
// may now undercount.
type ItemDoneEvent struct {
	Service      Service
	Model        string
	Key          string
	ChunkIndex   int
	VariantIndex int
	Success      bool
	Duration     time.Duration
	Err          error
	LedgerErr    error
}

// WaveEvent describes one concurrency-bounded wave starting.
type WaveEvent struct {
	Service Service
	Index   int
	Size    int
}

// MaskKey reduces a credential to its last four characters for safe
// logging.
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// noopMeter is the default when no meter is configured.
type noopMeter struct{}

func (noopMeter) OnItemStart(ItemStartEvent) {}
func (noopMeter) OnItemDone(ItemDoneEvent)   {}
func (noopMeter) OnWave(WaveEvent)           {}
