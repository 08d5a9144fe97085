package models

import "time"

// PollKind names one of the Dispatch Daemon's sub-polls, in the order they
// run within a single cycle.
type PollKind string

const (
	PollSessionReaper         PollKind = "session_reaper"
	PollInbox                 PollKind = "inbox"
	PollWorkerAvailability    PollKind = "worker_availability"
	PollStewardTrigger        PollKind = "steward_trigger"
	PollWorkflowTask          PollKind = "workflow_task"
	PollClosedUnmergedReconcile PollKind = "closed_unmerged_reconciliation"
	PollStuckMergeRecovery    PollKind = "stuck_merge_recovery"
	PollOrphanRecovery        PollKind = "orphan_recovery"
)

// PollResult is the bit-exact shape reported to observers after each
// sub-poll finishes, win or lose.
type PollResult struct {
	PollType     PollKind  `json:"pollType"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	Processed    int       `json:"processed"`
	Errors       int       `json:"errors"`
	ErrorMessages []string  `json:"errorMessages,omitempty"`
}

// Record appends an error to the result and increments Errors.
func (r *PollResult) Record(processed int, err error) {
	r.Processed += processed
	if err != nil {
		r.Errors++
		r.ErrorMessages = append(r.ErrorMessages, err.Error())
	}
}

// Total returns processed + errors, which the daemon guarantees equals the
// number of items considered by the sub-poll.
func (r *PollResult) Total() int {
	return r.Processed + r.Errors
}
