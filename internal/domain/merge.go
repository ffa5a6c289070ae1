package domain

import "time"

// MergeStatus tracks a MergeRequest through the coordinator.
// pending -> in_progress -> {success | conflict -> retrying -> in_progress | failed}
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeInProgress MergeStatus = "in_progress"
	MergeSuccess    MergeStatus = "success"
	MergeConflict   MergeStatus = "conflict"
	MergeRetrying   MergeStatus = "retrying"
	MergeFailed     MergeStatus = "failed"
)

// Terminal reports whether the status is final.
func (s MergeStatus) Terminal() bool {
	return s == MergeSuccess || s == MergeFailed
}

// MergeRequest wraps a successful WorkResult while it waits to be merged
// into trunk. Only the merge coordinator mutates it.
type MergeRequest struct {
	Result       *WorkResult
	Status       MergeStatus
	Retries      int
	ErrorMessage string
	EnqueuedAt   time.Time
}

// NewMergeRequest creates a pending request for a mergeable result.
func NewMergeRequest(result *WorkResult) *MergeRequest {
	return &MergeRequest{
		Result:     result,
		Status:     MergePending,
		EnqueuedAt: time.Now(),
	}
}
