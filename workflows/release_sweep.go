// Package workflows runs the release scheduler as a Temporal cron workflow.
// Each sweep is an activity with its own retry policy; the per-row
// idempotency lives in the escrow ledger, so a retried activity is safe.
package workflows

import (
	"context"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"escrowflow/outbox"
	"escrowflow/sweep"
)

const (
	TaskQueue  = "escrow-sweeps"
	WorkflowID = "escrow-release-sweep"
)

// SweepReport is the workflow result.
type SweepReport struct {
	Settlements   sweep.Result          `json:"settlements"`
	Release       sweep.Result          `json:"release"`
	Funding       sweep.Result          `json:"funding"`
	Notifications outbox.DeliveryResult `json:"notifications"`
	Errors        []string              `json:"errors,omitempty"`
	FinishedAt    time.Time             `json:"finished_at"`
}

// ReleaseSweepWorkflow runs every sweep once. A sweep that still fails after
// its retries is reported and the remaining sweeps run anyway.
func ReleaseSweepWorkflow(ctx workflow.Context) (SweepReport, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("release sweep started")

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var report SweepReport
	record := func(name string, err error) {
		if err == nil {
			return
		}
		logger.Error("sweep activity failed", "sweep", name, "error", err)
		report.Errors = append(report.Errors, name+": "+err.Error())
	}

	record("settlements", workflow.ExecuteActivity(ctx, a.RetrySettlements).Get(ctx, &report.Settlements))
	record("release", workflow.ExecuteActivity(ctx, a.ReleaseDue).Get(ctx, &report.Release))
	record("funding", workflow.ExecuteActivity(ctx, a.ReconcileFunding).Get(ctx, &report.Funding))
	record("notifications", workflow.ExecuteActivity(ctx, a.DeliverNotifications).Get(ctx, &report.Notifications))

	report.FinishedAt = workflow.Now(ctx)
	logger.Info("release sweep finished",
		"released", report.Release.Succeeded,
		"settled", report.Settlements.Succeeded,
		"funded", report.Funding.Succeeded,
		"errors", len(report.Errors))
	return report, nil
}

// Sweeper is the batch surface the activities delegate to.
type Sweeper interface {
	ReleaseDue(ctx context.Context) (sweep.Result, error)
	RetrySettlements(ctx context.Context) (sweep.Result, error)
	ReconcileFunding(ctx context.Context) (sweep.Result, error)
	DeliverNotifications(ctx context.Context) (outbox.DeliveryResult, error)
}

// Activities adapts a Sweeper to Temporal activities.
type Activities struct {
	Sweeper Sweeper
}

func (a *Activities) ReleaseDue(ctx context.Context) (sweep.Result, error) {
	return a.Sweeper.ReleaseDue(ctx)
}

func (a *Activities) RetrySettlements(ctx context.Context) (sweep.Result, error) {
	return a.Sweeper.RetrySettlements(ctx)
}

func (a *Activities) ReconcileFunding(ctx context.Context) (sweep.Result, error) {
	return a.Sweeper.ReconcileFunding(ctx)
}

func (a *Activities) DeliverNotifications(ctx context.Context) (outbox.DeliveryResult, error) {
	return a.Sweeper.DeliverNotifications(ctx)
}

// StartCron registers the cron workflow. When it is already scheduled the
// existing run is returned.
func StartCron(ctx context.Context, c client.Client, taskQueue, schedule string) (client.WorkflowRun, error) {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID,
		TaskQueue:             taskQueue,
		CronSchedule:          schedule,
		WorkflowRunTimeout:    10 * time.Minute,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	return c.ExecuteWorkflow(ctx, opts, ReleaseSweepWorkflow)
}
