package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuthzResync is the task type for refreshing resolved
	// permission sets across live console sessions.
	TaskTypeAuthzResync = "authz:resync"
)

// NewAuthzResyncTask constructs an Asynq task. The task carries no payload;
// the handler walks every live session.
func NewAuthzResyncTask() *asynq.Task {
	return asynq.NewTask(TaskTypeAuthzResync, nil)
}
