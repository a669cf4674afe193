package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue background jobs run on.
	QueueDefault = "default"
	// TaskReviewQueueRefresh recomputes the permission review queue.
	TaskReviewQueueRefresh = "review:queue_refresh"
)

// ReviewRefreshPayload selects which users the refresh scores.
type ReviewRefreshPayload struct {
	OnlyDue bool `json:"only_due"`
}

// NewReviewRefreshTask constructs an asynq task.
func NewReviewRefreshTask(onlyDue bool) (*asynq.Task, error) {
	data, err := json.Marshal(ReviewRefreshPayload{OnlyDue: onlyDue})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReviewQueueRefresh, data), nil
}
