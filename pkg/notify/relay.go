package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/apperrors"
	"github.com/travigo/schoolbus/pkg/config"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/redis_client"
)

// Relay carries events between service instances so subscribers connected to any
// instance see events published on every other one
type Relay interface {
	Publish(ctx context.Context, event ctdf.Event) error
	// Listen blocks delivering received events to handler until the context ends
	Listen(ctx context.Context, handler func(ctdf.Event)) error
	Close() error
}

type RedisRelay struct {
	client  *redis.Client
	channel string
}

func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

func (r *RedisRelay) Publish(ctx context.Context, event ctdf.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return apperrors.Transport("redis publish", err)
	}
	return nil
}

func (r *RedisRelay) Listen(ctx context.Context, handler func(ctdf.Event)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so no events are missed after Listen starts
	if _, err := pubsub.Receive(ctx); err != nil {
		return apperrors.Transport("redis subscribe", err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}

			var event ctdf.Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				log.Warn().Err(err).Str("channel", r.channel).Msg("Ignoring malformed relayed event")
				continue
			}
			handler(event)
		}
	}
}

func (r *RedisRelay) Close() error {
	return nil
}

type NATSRelay struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSRelay(url string, subjectPrefix string, instanceID string) (*NATSRelay, error) {
	conn, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("schoolbus-%s", instanceID)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, apperrors.Transport("nats connect", err)
	}

	return &NATSRelay{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (n *NATSRelay) subject(event ctdf.Event) string {
	return fmt.Sprintf("%s.%s", n.subjectPrefix, subjectToken(strings.ToLower(string(event.Scope))))
}

func (n *NATSRelay) Publish(ctx context.Context, event ctdf.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := n.conn.Publish(n.subject(event), payload); err != nil {
		return apperrors.Transport("nats publish", err)
	}
	return nil
}

func (n *NATSRelay) Listen(ctx context.Context, handler func(ctdf.Event)) error {
	subscription, err := n.conn.Subscribe(n.subjectPrefix+".>", func(message *nats.Msg) {
		var event ctdf.Event
		if err := json.Unmarshal(message.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", message.Subject).Msg("Ignoring malformed relayed event")
			return
		}
		handler(event)
	})
	if err != nil {
		return apperrors.Transport("nats subscribe", err)
	}
	defer subscription.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (n *NATSRelay) Close() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, wildcards or dots
	replacer := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = replacer.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

// Bridge forwards locally originated events to the relay and publishes relayed
// events from other instances into the local dispatcher. It blocks until ctx ends.
func Bridge(ctx context.Context, dispatcher *Dispatcher, relay Relay, collector *metrics.Collector) {
	origin := dispatcher.Origin()

	outbound := dispatcher.SubscribeWithOptions(FromOrigin(origin), SubscribeOptions{Buffer: 4096, Persistent: true})
	defer outbound.Close()

	go func() {
		for {
			err := relay.Listen(ctx, func(event ctdf.Event) {
				if event.Origin == origin {
					return
				}
				dispatcher.Publish(event)
			})
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Relay listener stopped, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-outbound.C():
			if !ok {
				return
			}

			err := publishWithRetry(ctx, relay, event)
			collector.RelayPublish(err)
			if err != nil {
				log.Error().Err(err).Str("event", event.PrimaryIdentifier).Msg("Failed to relay event")
			}
		}
	}
}

func publishWithRetry(ctx context.Context, relay Relay, event ctdf.Event) error {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = 50 * time.Millisecond
	retryBackoff.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		return relay.Publish(ctx, event)
	}, backoff.WithContext(retryBackoff, ctx))
}

// NewRelayFromConfig returns nil when no relay is configured. The redis relay uses the
// shared redis_client connection, which must already be open.
func NewRelayFromConfig(notifyConfig config.NotifyConfig, instanceID string) (Relay, error) {
	switch notifyConfig.Relay {
	case "redis":
		if redis_client.Client == nil {
			return nil, fmt.Errorf("redis relay requires a redis connection")
		}
		return NewRedisRelay(redis_client.Client, notifyConfig.RedisChannel), nil
	case "nats":
		return NewNATSRelay(notifyConfig.NATSURL, notifyConfig.NATSSubjectPrefix, instanceID)
	default:
		return nil, nil
	}
}
