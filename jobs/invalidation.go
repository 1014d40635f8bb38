package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-acl/internal/jobs"
	"github.com/odyssey-erp/odyssey-acl/internal/security"
)

// InvalidationJob consumes queued PermissionsChanged events.
type InvalidationJob struct {
	Invalidator *security.Invalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewInvalidationJob wires dependencies for the invalidation handler.
func NewInvalidationJob(invalidator *security.Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidationJob {
	return &InvalidationJob{Invalidator: invalidator, Logger: logger, Metrics: metrics}
}

// Handle processes TaskPermissionsChanged tasks. Malformed payloads are not retried.
func (j *InvalidationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Invalidator == nil {
		return errors.New("permissions changed: handler not configured")
	}
	var event security.PermissionsChanged
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		j.logger().Warn("decode permissions changed", slog.Any("error", err))
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskPermissionsChanged)
	j.Invalidator.Handle(ctx, event)
	j.Metrics.AddInvalidatedUsers(len(event.AffectedUserIDs))
	return tracker.End(nil)
}

func (j *InvalidationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// VersionBumper invalidates every cached permission set at once.
type VersionBumper interface {
	BumpVersion(ctx context.Context) error
}

// FlushJob bumps the ACL cache version on a schedule.
type FlushJob struct {
	Bumper  VersionBumper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewFlushJob wires dependencies for the flush handler.
func NewFlushJob(bumper VersionBumper, logger *slog.Logger, metrics *jobmetrics.Metrics) *FlushJob {
	return &FlushJob{Bumper: bumper, Logger: logger, Metrics: metrics}
}

// Handle processes TaskFlushPermissionCache tasks.
func (j *FlushJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Bumper == nil {
		return errors.New("flush permission cache: handler not configured")
	}
	tracker := j.Metrics.Track(TaskFlushPermissionCache)
	err := j.Bumper.BumpVersion(ctx)
	if err != nil && j.Logger != nil {
		j.Logger.Error("flush permission cache", slog.Any("error", err))
	}
	return tracker.End(err)
}
