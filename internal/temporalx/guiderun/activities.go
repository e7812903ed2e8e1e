package guiderun

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/yungbote/guideforge-backend/internal/data/repos"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pipeline/planner"
	"github.com/yungbote/guideforge-backend/internal/pipeline/steps"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
	"github.com/yungbote/guideforge-backend/internal/services"
)

const temporalHeartbeatEvery = 10 * time.Second

type Activities struct {
	Log        *logger.Logger
	Cfg        planner.Config
	Runs       repos.GuideRunRepo
	Files      repos.SourceFileRepo
	Guides     repos.GuideRepo
	Convert    *steps.ConvertFileStep
	Generate   *steps.GenerateGuideStep
	Reconciler *steps.Reconciler
	Notify     services.RunNotifier
}

func (a *Activities) MarkRunProcessing(ctx context.Context, runID uuid.UUID) (bool, error) {
	started, err := a.Runs.MarkProcessing(dbctx.Context{Ctx: ctx}, runID, types.RunStageConverting)
	if err != nil {
		return false, a.mapRepoError(err)
	}
	if started && a.Notify != nil {
		a.Notify.RunStarted(runID)
	}
	return started, nil
}

func (a *Activities) MarkRunFailed(ctx context.Context, runID uuid.UUID, message string) error {
	now := time.Now().UTC()
	err := a.Runs.UpdateFields(dbctx.Context{Ctx: ctx}, runID, map[string]interface{}{
		"status":       types.RunStatusFailed,
		"error":        message,
		"completed_at": now,
	})
	if err != nil {
		return a.mapRepoError(err)
	}
	if a.Notify != nil {
		a.Notify.RunFailed(runID, message)
	}
	return nil
}

func (a *Activities) SetRunStage(ctx context.Context, runID uuid.UUID, stage string) error {
	return a.mapRepoError(a.Runs.SetStage(dbctx.Context{Ctx: ctx}, runID, stage))
}

func (a *Activities) ListFileIDs(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := a.Files.ListIDsByRun(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return nil, a.mapRepoError(err)
	}
	return ids, nil
}

func (a *Activities) ListGuideIDs(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := a.Guides.ListIDsByRun(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return nil, a.mapRepoError(err)
	}
	return ids, nil
}

func (a *Activities) IncrementProgress(ctx context.Context, in IncrementProgressInput) error {
	return a.mapRepoError(a.Runs.IncrementProgress(dbctx.Context{Ctx: ctx}, in.RunID, in.Deltas))
}

func (a *Activities) ReconcileRun(ctx context.Context, runID uuid.UUID) (steps.RunSnapshot, error) {
	snap, err := a.Reconciler.Reconcile(ctx, runID)
	if err != nil {
		return steps.RunSnapshot{}, a.mapRepoError(err)
	}
	if a.Notify != nil {
		switch snap.Status {
		case types.RunStatusCompleted, types.RunStatusCompletedWithErrors:
			a.Notify.RunFinished(runID, snap.Status)
		}
	}
	return snap, nil
}

func (a *Activities) ConvertFile(ctx context.Context, in ConvertFileInput) (steps.ConvertFileResult, error) {
	info := activity.GetInfo(ctx)
	last := int(info.Attempt) >= a.Cfg.Activity.RetryMaxAttempts

	stop := a.startHostHeartbeat(ctx)
	defer stop()

	for {
		res, err := a.Convert.Run(ctx, in.FileID, info.Attempt, last)
		if err != nil {
			// A held lease is scheduling overlap, not an item failure. Wait
			// for the holder to finish (or its lease to expire) and probe
			// again; the guard then returns the recorded outcome or the
			// takeover succeeds. Contention never reaches the retry policy,
			// so it cannot burn the capped attempt budget.
			if steps.IsContention(err) {
				a.Log.Info("file lease held elsewhere; waiting", "file_id", in.FileID)
				if werr := a.sleepContention(ctx); werr != nil {
					return res, werr
				}
				continue
			}
			return res, a.mapStepError(err)
		}
		if res.Converted && a.Notify != nil {
			a.Notify.FileConverted(in.RunID, in.FileID)
		}
		return res, nil
	}
}

func (a *Activities) GenerateGuide(ctx context.Context, in GenerateGuideInput) (res steps.GenerateGuideResult, err error) {
	info := activity.GetInfo(ctx)
	last := int(info.Attempt) >= a.Cfg.Activity.RetryMaxAttempts

	// The work context is cancelled if the DB lease is lost, so a stalled
	// external call cannot keep writing after another worker took over.
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var lease steps.LeaseToken
	holdLease := func(lt steps.LeaseToken) {
		mu.Lock()
		lease = lt
		mu.Unlock()
	}
	currentLease := func() steps.LeaseToken {
		mu.Lock()
		defer mu.Unlock()
		return lease
	}

	stop := a.startGuideHeartbeat(workCtx, cancel, currentLease)
	defer stop()

	// Catastrophic safety net: a panic inside the step must still leave the
	// guide in a queryable terminal state.
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("guide activity panic", "guide_id", in.GuideID, "panic", r)
			cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer ccancel()
			a.Generate.Cleanup(cctx, currentLease())
			if g, gerr := a.Guides.GetByID(dbctx.Context{Ctx: cctx}, in.GuideID); gerr == nil && g.Status == types.GuideStatusNeedsAttention {
				reason := ""
				if g.FailureReason != nil {
					reason = *g.FailureReason
				}
				res = steps.GenerateGuideResult{GuideID: in.GuideID, Status: g.Status, Attempts: g.Attempts, FailureReason: reason}
				err = nil
				return
			}
			err = temporal.NewApplicationErrorWithCause("guide processing panicked", ErrTypeTransient, nil)
		}
	}()

	for {
		r, runErr := a.Generate.Run(workCtx, in.GuideID, in.ManualRetry, last, holdLease)
		if runErr != nil {
			if steps.IsContention(runErr) {
				a.Log.Info("guide lease held elsewhere; waiting", "guide_id", in.GuideID)
				if werr := a.sleepContention(workCtx); werr != nil {
					return r, werr
				}
				continue
			}
			return r, a.mapStepError(runErr)
		}
		if a.Notify != nil {
			switch r.Status {
			case types.GuideStatusCompleted:
				a.Notify.GuideCompleted(in.RunID, in.GuideID)
			case types.GuideStatusNeedsAttention:
				a.Notify.GuideNeedsAttention(in.RunID, in.GuideID, r.FailureReason)
			}
		}
		return r, nil
	}
}

// sleepContention pauses between lease probes. The host heartbeat goroutine
// keeps ticking through the wait, so a worker parked on a contended item is
// still visibly alive.
func (a *Activities) sleepContention(ctx context.Context) error {
	poll := a.Cfg.ContentionPollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// startHostHeartbeat keeps the Temporal activity alive during a long external
// call so a dead worker is detected by heartbeat timeout instead of the full
// start-to-close window.
func (a *Activities) startHostHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		hb := time.NewTicker(temporalHeartbeatEvery)
		defer hb.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-hb.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

// startGuideHeartbeat runs both liveness signals: the Temporal heartbeat for
// the host, and the DB lease renewal for the item. A renewal that comes back
// false means the lease was taken over, so the in-flight work is cancelled.
func (a *Activities) startGuideHeartbeat(ctx context.Context, cancel context.CancelFunc, currentLease func() steps.LeaseToken) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(temporalHeartbeatEvery)
		defer temporalHB.Stop()

		dbHB := time.NewTicker(a.Cfg.HeartbeatInterval)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				lt := currentLease()
				if lt.Token == uuid.Nil {
					continue
				}
				ok, err := a.Guides.RenewLease(dbctx.Context{Ctx: ctx}, lt.GuideID, lt.Token)
				if err != nil {
					// Transient DB trouble; the lease survives until expiry.
					a.Log.Warn("lease renewal failed", "guide_id", lt.GuideID, "error", err)
					continue
				}
				if !ok {
					a.Log.Warn("lease taken over; cancelling work", "guide_id", lt.GuideID)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (a *Activities) mapStepError(err error) error {
	if err == nil {
		return nil
	}
	var transient *steps.TransientError
	if errors.As(err, &transient) {
		return temporal.NewApplicationErrorWithCause(transient.Error(), ErrTypeTransient, err)
	}
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
	}
	return err
}

func (a *Activities) mapRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pkgerrors.ErrNotFound) || errors.Is(err, pkgerrors.ErrInvalidArgument) {
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
	}
	return err
}
