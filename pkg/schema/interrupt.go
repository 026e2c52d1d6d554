package schema

// InterruptType enumerates externally triggered control actions.
type InterruptType string

const (
	InterruptPause        InterruptType = "PAUSE"
	InterruptPauseAll     InterruptType = "PAUSE_ALL"
	InterruptResume       InterruptType = "RESUME"
	InterruptResumeAll    InterruptType = "RESUME_ALL"
	InterruptAbort        InterruptType = "ABORT"
	InterruptAbortAll     InterruptType = "ABORT_ALL"
	InterruptRetry        InterruptType = "RETRY"
	InterruptIgnore       InterruptType = "IGNORE"
	InterruptRollback     InterruptType = "ROLLBACK"
	InterruptRollbackDone InterruptType = "ROLLBACK_DONE"
	InterruptEndExecution InterruptType = "END_EXECUTION"
	InterruptMarkSuccess  InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed   InterruptType = "MARK_FAILED"
)

// AllInterruptTypes lists every interrupt type.
var AllInterruptTypes = []InterruptType{
	InterruptPause, InterruptPauseAll, InterruptResume, InterruptResumeAll,
	InterruptAbort, InterruptAbortAll, InterruptRetry, InterruptIgnore,
	InterruptRollback, InterruptRollbackDone, InterruptEndExecution,
	InterruptMarkSuccess, InterruptMarkFailed,
}

// IsRunLevel reports whether the interrupt targets a whole run rather than one instance.
func (t InterruptType) IsRunLevel() bool {
	switch t {
	case InterruptPauseAll, InterruptResumeAll, InterruptAbortAll, InterruptRollback, InterruptRollbackDone:
		return true
	}
	return false
}

// Valid reports whether the interrupt type is known.
func (t InterruptType) Valid() bool {
	for _, c := range AllInterruptTypes {
		if c == t {
			return true
		}
	}
	return false
}
