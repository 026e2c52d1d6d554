package schema

// Event type constants for the execution audit log.
const (
	EventInstanceCreated       = "instance_created"
	EventInstanceStarting      = "instance_starting"
	EventInstanceRunning       = "instance_running"
	EventInstancePaused        = "instance_paused"
	EventInstancePausedOnError = "instance_paused_on_error"
	EventInstanceWaiting       = "instance_waiting"
	EventInstanceAborting      = "instance_aborting"
	EventInstanceAborted       = "instance_aborted"
	EventInstanceSucceeded     = "instance_succeeded"
	EventInstanceFailed        = "instance_failed"
	EventInstanceErrored       = "instance_errored"
	EventInstanceRetried       = "instance_retried"

	EventInterruptRegistered = "interrupt_registered"
	EventInterruptClosed     = "interrupt_closed"
	EventBranchEnded         = "branch_ended"
)

// StatusEventType maps the status an instance moved to onto its audit event type.
func StatusEventType(to ExecutionStatus) string {
	switch to {
	case StatusStarting:
		return EventInstanceStarting
	case StatusRunning:
		return EventInstanceRunning
	case StatusPaused:
		return EventInstancePaused
	case StatusPausedOnError:
		return EventInstancePausedOnError
	case StatusWaiting:
		return EventInstanceWaiting
	case StatusAborting:
		return EventInstanceAborting
	case StatusAborted:
		return EventInstanceAborted
	case StatusSuccess:
		return EventInstanceSucceeded
	case StatusFailed:
		return EventInstanceFailed
	case StatusError:
		return EventInstanceErrored
	default:
		return ""
	}
}
