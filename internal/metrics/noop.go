package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TriggerFired(kind string)                                {}
func (n *NoopSink) TriggerMisfired(kind, policy string)                     {}
func (n *NoopSink) TriggerFireError()                                       {}
func (n *NoopSink) JobsScheduled(count int)                                 {}
func (n *NoopSink) WorkRegistered(deferred bool)                            {}
func (n *NoopSink) WorkDiscarded(count int)                                 {}
func (n *NoopSink) WorkCompleted(workType, outcome string, d time.Duration) {}
func (n *NoopSink) WorkInFlightIncr()                                       {}
func (n *NoopSink) WorkInFlightDecr()                                       {}
func (n *NoopSink) WorkReclaimed(count int)                                 {}
func (n *NoopSink) BufferSizeUpdate(size int)                               {}
func (n *NoopSink) BufferCapacitySet(capacity int)                          {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)               {}
func (n *NoopSink) EmitError()                                              {}
func (n *NoopSink) CorrelationMatched()                                     {}
func (n *NoopSink) CorrelationUnmatched()                                   {}
func (n *NoopSink) CandidateVanished()                                      {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                       {}
func (n *NoopSink) LeaderAcquired()                                         {}
func (n *NoopSink) LeaderLost(reason string)                                {}
