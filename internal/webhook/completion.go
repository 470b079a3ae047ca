package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slyhq/sly/internal/eventbus"
	"github.com/slyhq/sly/internal/logging"
	"github.com/slyhq/sly/internal/task"
)

// CompletionNotifier watches the bus's terminal channel and POSTs a
// signed terminal snapshot to the task's own callback URL. Tasks with
// no callback URL are skipped. Delivery is best-effort: a failed
// notification is logged, not retried — the retry/DLQ pipeline belongs
// to agent-mode deliveries.
type CompletionNotifier struct {
	tasks      *task.Service
	dispatcher *Dispatcher
	logger     *logging.Logger
	wg         sync.WaitGroup
}

func NewCompletionNotifier(tasks *task.Service, dispatcher *Dispatcher) *CompletionNotifier {
	return &CompletionNotifier{
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logging.New("completion"),
	}
}

// Subscribe attaches the notifier to the bus. Bus handlers must not
// block, so each notification runs on its own goroutine.
func (n *CompletionNotifier) Subscribe(bus *eventbus.Bus) *eventbus.Subscription {
	return bus.SubscribeTerminal(func(ev eventbus.Event) {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.notify(ev.TaskID)
		}()
	})
}

// Drain blocks until in-flight notifications finish. Called on
// shutdown so terminal callbacks are not lost to process exit.
func (n *CompletionNotifier) Drain() {
	n.wg.Wait()
}

// notifyTimeout bounds one load-and-deliver cycle; the dispatcher's
// HTTP client applies its own per-request timeout underneath.
const notifyTimeout = 30 * time.Second

func (n *CompletionNotifier) notify(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	t, err := n.tasks.Get(ctx, taskID, 0)
	if err != nil {
		n.logger.WithContext(ctx).WithTask(taskID).WithError(err).Error("completion callback load failed")
		return
	}
	if t.CallbackURL == "" {
		return
	}

	deliveryID := uuid.NewString()
	res, err := n.dispatcher.DeliverCompletion(ctx, t, deliveryID)
	if err != nil {
		n.logger.WithContext(ctx).WithTask(t.ID).WithError(err).Error("completion callback failed")
		return
	}
	if !res.Success {
		n.logger.WithContext(ctx).WithTask(t.ID).WithDelivery(deliveryID).WithFields(map[string]any{
			"status_code": res.StatusCode,
			"error":       res.Err,
		}).Warn("completion callback not accepted")
		return
	}
	n.logger.WithContext(ctx).WithTask(t.ID).WithDelivery(deliveryID).WithFields(map[string]any{
		"status": string(t.State),
	}).Info("completion callback delivered")
}
