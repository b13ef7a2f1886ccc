package es

// Timer measures the duration of an operation. Call ObserveDuration when the
// operation completes: defer m.AppendDuration("order").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// Metrics defines the instrumentation points of the event log components.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Coordinator
	AppendDuration(aggType string) Timer
	EventsAppended(aggType string, count int)
	ConcurrencyConflict(aggType string)

	// Reconstructor
	LoadDuration(aggType string) Timer
	ReconstructDuration(aggType string) Timer
	ReplayFailure(aggType string, reason string)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }

// nopMetrics is a no-op implementation of Metrics.
type nopMetrics struct{}

func (nopMetrics) AppendDuration(string) Timer      { return nopTimer{} }
func (nopMetrics) EventsAppended(string, int)       {}
func (nopMetrics) ConcurrencyConflict(string)       {}
func (nopMetrics) LoadDuration(string) Timer        { return nopTimer{} }
func (nopMetrics) ReconstructDuration(string) Timer { return nopTimer{} }
func (nopMetrics) ReplayFailure(string, string)     {}

// NopMetrics returns a no-op Metrics implementation.
func NopMetrics() Metrics { return nopMetrics{} }

// replay failure reasons reported to Metrics.ReplayFailure
const (
	ReplayFailureUnknownEventType = "unknown_event_type"
	ReplayFailureMalformed        = "malformed"
	ReplayFailureCorrupt          = "corrupt_history"
	ReplayFailureOther            = "other"
)
