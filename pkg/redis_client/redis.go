package redis_client

import (
	"context"

	"github.com/adjust/rmq/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/util"
)

var Client *redis.Client
var QueueConnection rmq.Connection

const defaultConnectionAddress = "localhost:6379"
const defaultConnectionPassword = ""
const defaultDatabase = 0

func Connect() error {
	env := util.GetEnvironmentVariables()

	client := redis.NewClient(&redis.Options{
		Addr:     util.EnvString(env, "SCHOOLBUS_REDIS_ADDRESS", defaultConnectionAddress),
		Password: util.EnvString(env, "SCHOOLBUS_REDIS_PASSWORD", defaultConnectionPassword),
		DB:       util.EnvInt(env, "SCHOOLBUS_REDIS_DATABASE", defaultDatabase),
	})

	return Use(client)
}

// Use installs an existing client, opening the queue connection on top of it
func Use(client *redis.Client) error {
	if err := client.Ping(context.Background()).Err(); err != nil {
		return err
	}

	errChan := make(chan error, 10)
	go logQueueErrors(errChan)

	queueConnection, err := rmq.OpenConnectionWithRedisClient("schoolbus", client, errChan)
	if err != nil {
		return err
	}

	Client = client
	QueueConnection = queueConnection

	return nil
}

func Ping(ctx context.Context) error {
	if Client == nil {
		return nil
	}
	return Client.Ping(ctx).Err()
}

func logQueueErrors(errChan <-chan error) {
	for err := range errChan {
		switch err := err.(type) {
		case *rmq.HeartbeatError:
			if err.Count == rmq.HeartbeatErrorLimit {
				log.Error().Err(err).Msg("Queue heartbeat limit reached")
			} else {
				log.Warn().Err(err).Msg("Queue heartbeat error")
			}
		case *rmq.ConsumeError:
			log.Warn().Err(err).Msg("Queue consume error")
		case *rmq.DeliveryError:
			log.Warn().Err(err).Msg("Queue delivery error")
		default:
			log.Warn().Err(err).Msg("Queue error")
		}
	}
}
