package types

// JobState is the controller-visible lifecycle state.
type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateCanceled  JobState = "canceled"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether the state ends a job's lifecycle.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCanceled, JobStateFailed:
		return true
	}
	return false
}
