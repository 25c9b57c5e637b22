package notify

import (
	"context"
	"encoding/json"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

const PushQueueName = "notify-queue"

// Pushable selects the events that produce a push notification
func Pushable() Predicate {
	return PredicateFunc(func(event *ctdf.Event) bool {
		return event.IsPushable()
	})
}

// EnqueuePush hands pushable events to the notify worker through the redis queue
func EnqueuePush(ctx context.Context, subscription *Subscription, queue rmq.Queue) {
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.C():
			if !ok {
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to encode push event")
				continue
			}

			if err := queue.PublishBytes(payload); err != nil {
				log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to enqueue push event")
			}
		}
	}
}
