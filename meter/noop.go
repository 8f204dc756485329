// Package meter contains Meter implementations for observing batches.
package meter

import "github.com/voragen/genbatch"

// NoopMeter discards all events.
type NoopMeter struct{}

var _ genbatch.Meter = (*NoopMeter)(nil)

func (NoopMeter) OnItemStart(genbatch.ItemStartEvent) {}
func (NoopMeter) OnItemDone(genbatch.ItemDoneEvent)   {}
func (NoopMeter) OnWave(genbatch.WaveEvent)           {}
