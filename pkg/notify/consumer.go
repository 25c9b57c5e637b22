package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/travigo/schoolbus/pkg/ctdf"
)

type NotifyBatchConsumer struct {
	Sender  Sender
	Targets TargetRepository

	MaxParallelSends int
	SendTimeout      time.Duration
}

func NewNotifyBatchConsumer(sender Sender, targets TargetRepository) *NotifyBatchConsumer {
	return &NotifyBatchConsumer{
		Sender:           sender,
		Targets:          targets,
		MaxParallelSends: 20,
		SendTimeout:      10 * time.Second,
	}
}

// Consume sends one push per interested device for every queued event. A delivery is
// rejected when any send failed for a reason other than a dead token, so ReturnRejected
// can retry it later.
func (c *NotifyBatchConsumer) Consume(batch rmq.Deliveries) {
	for _, delivery := range batch {
		var event ctdf.Event
		if err := json.Unmarshal([]byte(delivery.Payload()), &event); err != nil {
			log.Error().Err(err).Msg("Dropping malformed notify payload")
			c.ack(delivery)
			continue
		}

		if err := c.handle(event); err != nil {
			log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to send push notifications")
			if err := delivery.Reject(); err != nil {
				log.Error().Err(err).Msg("Failed to reject delivery")
			}
			continue
		}

		c.ack(delivery)
	}
}

func (c *NotifyBatchConsumer) ack(delivery rmq.Delivery) {
	if err := delivery.Ack(); err != nil {
		log.Error().Err(err).Msg("Failed to ack delivery")
	}
}

func (c *NotifyBatchConsumer) handle(event ctdf.Event) error {
	if !event.IsPushable() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.SendTimeout)
	defer cancel()

	targets, err := c.Targets.TargetsForEvent(ctx, event)
	if err != nil {
		return err
	}

	notificationData := event.GetNotificationData()

	p := pool.New().WithErrors().WithMaxGoroutines(c.MaxParallelSends)
	for _, target := range targets {
		p.Go(func() error {
			err := c.Sender.Send(ctx, target.PushNotificationToken, ctdf.Notification{
				TargetUser: target.UserID,
				Type:       ctdf.NotificationTypePush,
				EventRef:   event.PrimaryIdentifier,
				Title:      notificationData.Title,
				Message:    notificationData.Message,
			})
			if errors.Is(err, ErrTokenUnregistered) {
				log.Info().Str("target", target.UserID).Msg("Removing unregistered push token")
				return c.Targets.RemoveToken(ctx, target.PushNotificationToken)
			}
			return err
		})
	}

	return p.Wait()
}
