package engine

// DefaultEventBuffer is the per-subscriber channel capacity used when
// Config.EventBuffer is not set.
const DefaultEventBuffer = 64

// Config holds configuration for the step executor.
type Config struct {
	// BlockOnAnalysisFailure rejects completion of an analysis step whose
	// capture failed analysis. By default the step completes and records
	// the failure as its output.
	BlockOnAnalysisFailure bool

	// EventBuffer is the channel capacity of each event subscription.
	// Zero or negative means DefaultEventBuffer.
	EventBuffer int

	// Clock drives timer ticks. Nil means the wall clock.
	Clock Clock
}

func (c Config) eventBuffer() int {
	if c.EventBuffer <= 0 {
		return DefaultEventBuffer
	}
	return c.EventBuffer
}

func (c Config) clock() Clock {
	if c.Clock == nil {
		return WallClock()
	}
	return c.Clock
}
