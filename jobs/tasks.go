package jobs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue every authority task runs on.
	QueueDefault = "default"
	// TaskSyncAll reconciles every group with the mapping.
	TaskSyncAll = "mrbac:sync_all"
	// TaskSyncGroup reconciles one group after a failed compensation.
	TaskSyncGroup = "mrbac:sync_group"
)

// SyncAllPayload carries who asked for a full sync. Cron runs leave it empty.
type SyncAllPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// SyncGroupPayload names the group to reconcile.
type SyncGroupPayload struct {
	Group string `json:"group"`
}

// NewSyncAllTask constructs a full sync task.
func NewSyncAllTask(requestedBy string) (*asynq.Task, error) {
	data, err := json.Marshal(SyncAllPayload{RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncAll, data), nil
}

// NewSyncGroupTask constructs a single-group sync task.
func NewSyncGroupTask(group string) (*asynq.Task, error) {
	if strings.TrimSpace(group) == "" {
		return nil, fmt.Errorf("jobs: sync group task: group is required")
	}
	data, err := json.Marshal(SyncGroupPayload{Group: group})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncGroup, data), nil
}
