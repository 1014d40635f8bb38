package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsChanged carries a security.PermissionsChanged event.
	TaskPermissionsChanged = "security:permissions_changed"
	// TaskFlushPermissionCache advances the global ACL cache version.
	TaskFlushPermissionCache = "security:flush_permission_cache"
)

// invalidationRetention keeps completed event ids around so a republished
// event with the same id is rejected as a duplicate.
const invalidationRetention = 10 * time.Minute

// NewPermissionsChangedTask constructs an Asynq task for event. The event id
// doubles as the task id.
func NewPermissionsChangedTask(event security.PermissionsChanged) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(5),
		asynq.Retention(invalidationRetention),
	}
	if event.ID != "" {
		opts = append(opts, asynq.TaskID(event.ID))
	}
	return asynq.NewTask(TaskPermissionsChanged, data, opts...), nil
}

// NewFlushPermissionCacheTask constructs the periodic cache flush task.
func NewFlushPermissionCacheTask() *asynq.Task {
	return asynq.NewTask(TaskFlushPermissionCache, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
}
