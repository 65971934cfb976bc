package transaction

// MetricsSink receives pool-level counters. The metrics package's
// Collector implements this; it is accepted here as an interface so
// transaction never imports metrics directly (SPEC_FULL.md §4.2).
type MetricsSink interface {
	IncRetransmit()
	IncOverallFailed()
	IncOverallCompleted()
	SetLiveTransactions(n int)
}

// noopMetrics is used when the pool is built without a sink.
type noopMetrics struct{}

func (noopMetrics) IncRetransmit()          {}
func (noopMetrics) IncOverallFailed()       {}
func (noopMetrics) IncOverallCompleted()    {}
func (noopMetrics) SetLiveTransactions(int) {}
