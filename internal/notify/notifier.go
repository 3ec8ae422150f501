package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kestrel-sec/kestrel/internal/domain"
)

// Notifier consumes challenge-issued events and delivers the codes via
// a worker pool. Delivery failures are logged and swallowed; a flaky
// mail relay must not fail the step-up flow that already issued the
// challenge.
type Notifier struct {
	bus    domain.EventBus
	mailer Mailer

	jobs   chan *domain.ChallengeIssuedEvent
	subs   []domain.Subscription
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier creates a notifier draining the bus into the mailer.
func NewNotifier(bus domain.EventBus, mailer Mailer) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		bus:    bus,
		mailer: mailer,
		jobs:   make(chan *domain.ChallengeIssuedEvent, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the challenge-issued topic for each tenant and
// launches the delivery workers.
func (n *Notifier) Start(tenantIDs []string, workerCount int) error {
	if workerCount <= 0 {
		workerCount = 5
	}

	for _, tenantID := range tenantIDs {
		sub, err := n.bus.Subscribe(n.ctx, tenantID, domain.TopicChallengeIssued, n.enqueue)
		if err != nil {
			return err
		}
		n.subs = append(n.subs, sub)
	}

	for i := 0; i < workerCount; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	slog.Info("notifier started",
		"tenant_count", len(tenantIDs),
		"worker_count", workerCount,
	)
	return nil
}

func (n *Notifier) enqueue(ctx context.Context, msg *domain.Message) error {
	var event domain.ChallengeIssuedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("malformed challenge-issued event",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	select {
	case n.jobs <- &event:
	case <-n.ctx.Done():
	}
	return nil
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case event := <-n.jobs:
			if event == nil {
				continue
			}
			if err := n.mailer.Send(n.ctx, event.Email, event.Code); err != nil {
				slog.Error("code delivery failed",
					"subject_id", event.SubjectID,
					"error", err,
				)
			}
		}
	}
}

// Stop unsubscribes and waits for in-flight deliveries.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.cancel()
	n.wg.Wait()
}
