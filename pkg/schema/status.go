package schema

// ExecutionStatus is the lifecycle status of a state execution instance.
type ExecutionStatus string

const (
	StatusNew           ExecutionStatus = "NEW"
	StatusStarting      ExecutionStatus = "STARTING"
	StatusRunning       ExecutionStatus = "RUNNING"
	StatusPaused        ExecutionStatus = "PAUSED"
	StatusPausedOnError ExecutionStatus = "PAUSED_ON_ERROR"
	StatusWaiting       ExecutionStatus = "WAITING"
	StatusAborting      ExecutionStatus = "ABORTING"
	StatusAborted       ExecutionStatus = "ABORTED"
	StatusSuccess       ExecutionStatus = "SUCCESS"
	StatusFailed        ExecutionStatus = "FAILED"
	StatusError         ExecutionStatus = "ERROR"
	// StatusResumed is reported for runs that left a pause; instances never enter it.
	StatusResumed ExecutionStatus = "RESUMED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []ExecutionStatus{
	StatusNew, StatusStarting, StatusRunning, StatusPaused, StatusPausedOnError, StatusWaiting,
	StatusAborting, StatusAborted, StatusSuccess, StatusFailed, StatusError, StatusResumed,
}

// IsTerminal reports whether the status ends an instance's execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusAborted
}

// IsFailure reports whether the status routes through failure transitions.
func (s ExecutionStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusError
}

// In reports whether s is one of the given statuses.
func (s ExecutionStatus) In(set ...ExecutionStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

// ErrorStrategy decides what happens when a state fails with no failure transition.
type ErrorStrategy string

const (
	ErrorStrategyFail  ErrorStrategy = "FAIL"
	ErrorStrategyPause ErrorStrategy = "PAUSE"
)

// Valid reports whether the strategy is a known value.
func (e ErrorStrategy) Valid() bool {
	return e == ErrorStrategyFail || e == ErrorStrategyPause
}
