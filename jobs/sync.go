package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/iceplant/mrbac/internal/jobs"
	"github.com/iceplant/mrbac/internal/rbac"
)

// Syncer is the part of the authority the sync jobs drive.
type Syncer interface {
	SyncAll(ctx context.Context) (rbac.SyncResult, error)
	SyncGroup(ctx context.Context, params rbac.SyncGroupParams) (rbac.SyncResult, error)
	PendingSync() []string
}

// SyncJob handles the authority sync tasks.
type SyncJob struct {
	Authority Syncer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewSyncJob wires dependencies for the sync handlers.
func NewSyncJob(authority Syncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJob {
	return &SyncJob{Authority: authority, Logger: logger, Metrics: metrics}
}

// HandleSyncAll processes TaskSyncAll tasks.
func (j *SyncJob) HandleSyncAll(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Authority == nil {
		return errors.New("sync all: handler not configured")
	}
	var payload SyncAllPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("sync all: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	tracker := j.Metrics.Track(TaskSyncAll)
	defer func() {
		err = tracker.End(err)
		j.Metrics.SetPendingGroups(len(j.Authority.PendingSync()))
	}()

	logger := j.logger().With(slog.String("requested_by", payload.RequestedBy))
	res, err := j.Authority.SyncAll(ctx)
	if err != nil {
		logger.Error("sync all", slog.Any("failed", res.Failed), slog.Any("error", err))
		return err
	}
	tracker.Changed(res.Granted, res.Revoked)
	logger.Info("sync all complete",
		slog.Int("groups", len(res.Groups)),
		slog.Int("granted", res.Granted),
		slog.Int("revoked", res.Revoked))
	return nil
}

// HandleSyncGroup processes TaskSyncGroup tasks. A group that no longer
// exists is not retried.
func (j *SyncJob) HandleSyncGroup(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Authority == nil {
		return errors.New("sync group: handler not configured")
	}
	var payload SyncGroupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Group == "" {
		return fmt.Errorf("sync group: invalid payload: %w", asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskSyncGroup)
	defer func() {
		err = tracker.End(err)
		j.Metrics.SetPendingGroups(len(j.Authority.PendingSync()))
	}()

	logger := j.logger().With(slog.String("group", payload.Group))
	res, err := j.Authority.SyncGroup(ctx, rbac.SyncGroupParams{Group: payload.Group})
	switch {
	case errors.Is(err, rbac.ErrNotFound):
		logger.Warn("sync group skipped: group deleted")
		return fmt.Errorf("sync group %q: %v: %w", payload.Group, err, asynq.SkipRetry)
	case err != nil:
		logger.Error("sync group", slog.Any("error", err))
		return err
	}
	tracker.Changed(res.Granted, res.Revoked)
	logger.Info("sync group complete", slog.Int("granted", res.Granted), slog.Int("revoked", res.Revoked))
	return nil
}

func (j *SyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
