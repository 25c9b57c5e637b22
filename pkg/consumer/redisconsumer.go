package consumer

import (
	"fmt"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
)

type RedisConsumer struct {
	QueueName string

	NumberConsumers int
	BatchSize       int64

	Timeout time.Duration

	Consumer rmq.BatchConsumer

	Connection rmq.Connection

	queue rmq.Queue
}

func (c *RedisConsumer) Setup() error {
	// Run the background consumers
	log.Info().Str("queue", c.QueueName).Int("consumers", c.NumberConsumers).Msg("Starting consumers")

	queue, err := c.Connection.OpenQueue(c.QueueName)
	if err != nil {
		return err
	}
	if err := queue.StartConsuming(int64(c.NumberConsumers)*c.BatchSize, time.Second); err != nil {
		return err
	}
	c.queue = queue

	for i := 0; i < c.NumberConsumers; i++ {
		log.Info().Msgf("Starting %s consumer %d", c.QueueName, i)

		if _, err := queue.AddBatchConsumer(fmt.Sprintf("%s-%d", c.QueueName, i), c.BatchSize, c.Timeout, c.Consumer); err != nil {
			return err
		}
	}

	return nil
}

// Stop waits for in-flight batches to finish
func (c *RedisConsumer) Stop() {
	if c.queue == nil {
		return
	}
	<-c.queue.StopConsuming()
}

// ReturnRejected moves rejected deliveries back into the ready list for another attempt
func (c *RedisConsumer) ReturnRejected() {
	if c.queue == nil {
		return
	}
	returned, err := c.queue.ReturnRejected(1000)
	if err != nil {
		log.Error().Err(err).Str("queue", c.QueueName).Msg("Failed to return rejected deliveries")
		return
	}
	if returned > 0 {
		log.Info().Int64("returned", returned).Str("queue", c.QueueName).Msg("Returned rejected deliveries")
	}
}
