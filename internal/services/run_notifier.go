package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	redisbus "github.com/yungbote/guideforge-backend/internal/clients/redis"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

// RunNotifier publishes run progress events for UI consumers. Every method
// is best-effort: publish failures are logged and swallowed so the pipeline
// never stalls on the event bus.
type RunNotifier interface {
	RunStarted(runID uuid.UUID)
	RunFailed(runID uuid.UUID, message string)
	RunFinished(runID uuid.UUID, status string)
	FileConverted(runID, fileID uuid.UUID)
	GuideCompleted(runID, guideID uuid.UUID)
	GuideNeedsAttention(runID, guideID uuid.UUID, reason string)
}

type runNotifier struct {
	log *logger.Logger
	bus redisbus.EventBus
}

func NewRunNotifier(bus redisbus.EventBus, baseLog *logger.Logger) RunNotifier {
	return &runNotifier{
		log: baseLog.With("service", "RunNotifier"),
		bus: bus,
	}
}

func (n *runNotifier) publish(ev redisbus.RunEvent) {
	if n == nil || n.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("run event publish failed", "event", ev.Event, "run_id", ev.RunID, "error", err)
	}
}

func (n *runNotifier) RunStarted(runID uuid.UUID) {
	n.publish(redisbus.RunEvent{Event: redisbus.EventRunStarted, RunID: runID})
}

func (n *runNotifier) RunFailed(runID uuid.UUID, message string) {
	n.publish(redisbus.RunEvent{
		Event: redisbus.EventRunFailed,
		RunID: runID,
		Data:  map[string]interface{}{"error": message},
	})
}

func (n *runNotifier) RunFinished(runID uuid.UUID, status string) {
	n.publish(redisbus.RunEvent{
		Event: redisbus.EventRunFinished,
		RunID: runID,
		Data:  map[string]interface{}{"status": status},
	})
}

func (n *runNotifier) FileConverted(runID, fileID uuid.UUID) {
	n.publish(redisbus.RunEvent{
		Event: redisbus.EventFileConverted,
		RunID: runID,
		Data:  map[string]interface{}{"file_id": fileID},
	})
}

func (n *runNotifier) GuideCompleted(runID, guideID uuid.UUID) {
	n.publish(redisbus.RunEvent{
		Event: redisbus.EventGuideCompleted,
		RunID: runID,
		Data:  map[string]interface{}{"guide_id": guideID},
	})
}

func (n *runNotifier) GuideNeedsAttention(runID, guideID uuid.UUID, reason string) {
	n.publish(redisbus.RunEvent{
		Event: redisbus.EventGuideNeedsAttention,
		RunID: runID,
		Data:  map[string]interface{}{"guide_id": guideID, "reason": reason},
	})
}

// NopRunNotifier drops every event; used when redis is not configured.
func NopRunNotifier() RunNotifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) RunStarted(uuid.UUID)                             {}
func (nopNotifier) RunFailed(uuid.UUID, string)                      {}
func (nopNotifier) RunFinished(uuid.UUID, string)                    {}
func (nopNotifier) FileConverted(uuid.UUID, uuid.UUID)               {}
func (nopNotifier) GuideCompleted(uuid.UUID, uuid.UUID)              {}
func (nopNotifier) GuideNeedsAttention(uuid.UUID, uuid.UUID, string) {}
