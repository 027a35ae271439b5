package metrics

import "time"

// Sink records engine metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TriggerFired(kind string)
	TriggerMisfired(kind, policy string)
	TriggerFireError()
	JobsScheduled(count int)

	// Dispatcher metrics
	WorkRegistered(deferred bool)
	WorkDiscarded(count int)
	WorkCompleted(workType, outcome string, duration time.Duration)
	WorkInFlightIncr()
	WorkInFlightDecr()
	WorkReclaimed(count int)

	// Work queue metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Correlation metrics
	CorrelationMatched()
	CorrelationUnmatched()
	CandidateVanished()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
