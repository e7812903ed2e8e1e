package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/temporalx"
	"github.com/yungbote/guideforge-backend/internal/temporalx/guiderun"
	"github.com/yungbote/guideforge-backend/internal/utils"
)

type Runner struct {
	log  *logger.Logger
	tc   temporalsdkclient.Client
	acts *guiderun.Activities
}

func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, acts *guiderun.Activities) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if acts == nil {
		return nil, fmt.Errorf("temporal worker missing activities")
	}
	return &Runner{log: log, tc: tc, acts: acts}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}

	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("Starting Temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	maxWait := utils.GetEnvAsDuration("TEMPORAL_WORKER_START_MAX_WAIT", time.Minute, r.log)
	backoff := utils.GetEnvAsDuration("TEMPORAL_WORKER_START_BACKOFF", 250*time.Millisecond, r.log)
	backoffMax := utils.GetEnvAsDuration("TEMPORAL_WORKER_START_BACKOFF_MAX", 5*time.Second, r.log)

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					w.Stop()
				}()
			}
			if r.log != nil {
				r.log.Info("Temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}

		// Make sure worker goroutines are stopped before we retry.
		w.Stop()

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) {
			// The namespace may not exist yet on a fresh local server.
			baseCtx := ctx
			if baseCtx == nil {
				baseCtx = context.Background()
			}
			if err := temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
				r.log.Warn("Temporal namespace ensure failed", "namespace", cfg.Namespace, "error", err)
			}
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			if errors.As(startErr, &nfe) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		if r.log != nil {
			r.log.Warn("Temporal worker failed to start; retrying", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		}
		if sleep := clampBackoff(backoff, backoffMax, attempt); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 20, r.log)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	w.RegisterWorkflowWithOptions(guiderun.RunWorkflow, workflow.RegisterOptions{Name: guiderun.RunWorkflowName})
	w.RegisterWorkflowWithOptions(guiderun.FileChunkWorkflow, workflow.RegisterOptions{Name: guiderun.FileChunkWorkflowName})
	w.RegisterWorkflowWithOptions(guiderun.GuideChunkWorkflow, workflow.RegisterOptions{Name: guiderun.GuideChunkWorkflowName})
	w.RegisterWorkflowWithOptions(guiderun.RetryGuideWorkflow, workflow.RegisterOptions{Name: guiderun.RetryGuideWorkflowName})

	w.RegisterActivityWithOptions(r.acts.MarkRunProcessing, activity.RegisterOptions{Name: guiderun.ActivityMarkRunProcessing})
	w.RegisterActivityWithOptions(r.acts.MarkRunFailed, activity.RegisterOptions{Name: guiderun.ActivityMarkRunFailed})
	w.RegisterActivityWithOptions(r.acts.SetRunStage, activity.RegisterOptions{Name: guiderun.ActivitySetRunStage})
	w.RegisterActivityWithOptions(r.acts.ListFileIDs, activity.RegisterOptions{Name: guiderun.ActivityListFileIDs})
	w.RegisterActivityWithOptions(r.acts.ListGuideIDs, activity.RegisterOptions{Name: guiderun.ActivityListGuideIDs})
	w.RegisterActivityWithOptions(r.acts.IncrementProgress, activity.RegisterOptions{Name: guiderun.ActivityIncrementProgress})
	w.RegisterActivityWithOptions(r.acts.ReconcileRun, activity.RegisterOptions{Name: guiderun.ActivityReconcileRun})
	w.RegisterActivityWithOptions(r.acts.ConvertFile, activity.RegisterOptions{Name: guiderun.ActivityConvertFile})
	w.RegisterActivityWithOptions(r.acts.GenerateGuide, activity.RegisterOptions{Name: guiderun.ActivityGenerateGuide})
	return w
}

func clampBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
