package reconcile

// Status represents the lifecycle state of a synchronized job record.
type Status string

const (
	// StatusPending indicates the job is queued and not yet picked up.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker is actively executing the job.
	StatusRunning Status = "running"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled by request.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the record will not meaningfully transition
// further. Terminal records remain updatable for display corrections.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
