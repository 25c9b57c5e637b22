package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

const RealtimeQueueName = "realtime-queue"

// EnqueuePositions hands fixes to the tracker consumers through the realtime queue
func EnqueuePositions(queue rmq.Queue, updates []vehiclelocation.PositionUpdate) error {
	for _, update := range updates {
		payload, err := json.Marshal(update)
		if err != nil {
			return err
		}
		if err := queue.PublishBytes(payload); err != nil {
			return apperrors.Transport("enqueue position", err)
		}
	}
	return nil
}

type queuedUpdate struct {
	delivery rmq.Delivery
	update   vehiclelocation.PositionUpdate
}

type PositionBatchConsumer struct {
	orchestrator        *Orchestrator
	metrics             *metrics.Collector
	maxParallelVehicles int
}

func NewPositionBatchConsumer(orchestrator *Orchestrator, collector *metrics.Collector, maxParallelVehicles int) *PositionBatchConsumer {
	if maxParallelVehicles <= 0 {
		maxParallelVehicles = 16
	}
	return &PositionBatchConsumer{
		orchestrator:        orchestrator,
		metrics:             collector,
		maxParallelVehicles: maxParallelVehicles,
	}
}

// Consume groups the batch by vehicle and applies each vehicle's fixes in timestamp order,
// vehicles in parallel. Deliveries that failed on storage or transport are rejected for retry.
func (c *PositionBatchConsumer) Consume(batch rmq.Deliveries) {
	startTime := time.Now()
	defer func() {
		c.metrics.ObserveQueueBatch(time.Since(startTime).Seconds())
	}()

	grouped := map[string][]queuedUpdate{}
	for _, delivery := range batch {
		var update vehiclelocation.PositionUpdate
		if err := json.Unmarshal([]byte(delivery.Payload()), &update); err != nil {
			log.Error().Err(err).Msg("Dropping malformed position payload")
			ack(delivery)
			continue
		}
		grouped[update.VehicleRef] = append(grouped[update.VehicleRef], queuedUpdate{delivery: delivery, update: update})
	}

	p := pool.New().WithMaxGoroutines(c.maxParallelVehicles)
	for vehicleRef, updates := range grouped {
		sort.SliceStable(updates, func(a, b int) bool {
			return updates[a].update.RecordedAt.Before(updates[b].update.RecordedAt)
		})

		p.Go(func() {
			for _, queued := range updates {
				c.apply(vehicleRef, queued)
			}
		})
	}
	p.Wait()
}

func (c *PositionBatchConsumer) apply(vehicleRef string, queued queuedUpdate) {
	_, err := c.orchestrator.HandlePosition(context.Background(), ctdf.SystemIdentity, queued.update)

	switch {
	case err == nil:
		ack(queued.delivery)
	case errors.Is(err, apperrors.ErrStaleUpdate):
		ack(queued.delivery)
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrInvalidInput):
		log.Warn().Err(err).Str("vehicle", vehicleRef).Msg("Dropping position update")
		ack(queued.delivery)
	default:
		log.Error().Err(err).Str("vehicle", vehicleRef).Msg("Failed to apply position update")
		if err := queued.delivery.Reject(); err != nil {
			log.Error().Err(err).Msg("Failed to reject delivery")
		}
	}
}

func ack(delivery rmq.Delivery) {
	if err := delivery.Ack(); err != nil {
		log.Error().Err(err).Msg("Failed to ack delivery")
	}
}
