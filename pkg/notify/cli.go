package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/config"
	"github.com/travigo/schoolbus/pkg/consumer"
	"github.com/travigo/schoolbus/pkg/ctdf"
	"github.com/travigo/schoolbus/pkg/database"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/redis_client"
	"github.com/travigo/schoolbus/pkg/util"
	"github.com/urfave/cli/v2"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "notify",
		Usage: "Provides the push notification worker",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the push notification worker",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "consumers",
						Value: 5,
						Usage: "Number of queue consumers",
					},
					&cli.Int64Flag{
						Name:  "batch-size",
						Value: 20,
						Usage: "Deliveries per consumer batch",
					},
				},
				Action: func(c *cli.Context) error {
					appConfig, err := config.Load(util.GetEnvironmentVariables())
					if err != nil {
						return err
					}

					if err := database.ConnectMongoDB(); err != nil {
						return err
					}
					if err := redis_client.Connect(); err != nil {
						return err
					}

					sender, err := NewFirebaseSender(c.Context)
					if err != nil {
						return err
					}

					collector := metrics.NewCollector()

					redisConsumer := consumer.RedisConsumer{
						QueueName:       PushQueueName,
						NumberConsumers: c.Int("consumers"),
						BatchSize:       c.Int64("batch-size"),
						Timeout:         2 * time.Second,
						Consumer:        NewNotifyBatchConsumer(sender, MongoTargetRepository{}),
						Connection:      redis_client.QueueConnection,
					}
					if err := redisConsumer.Setup(); err != nil {
						return err
					}

					statsServer := consumer.StartStatsServer(appConfig.StatsListen, consumer.NewStatsMux(
						redis_client.QueueConnection, collector,
						database.Ping, redis_client.Ping,
					))

					ctx, cancel := context.WithCancel(c.Context)
					defer cancel()

					go func() {
						ticker := time.NewTicker(time.Minute)
						defer ticker.Stop()
						for {
							select {
							case <-ctx.Done():
								return
							case <-ticker.C:
								redisConsumer.ReturnRejected()
							}
						}
					}()

					signals := make(chan os.Signal, 1)
					signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
					defer signal.Stop(signals)

					<-signals // wait for signal
					go func() {
						<-signals // hard exit on second signal (in case shutdown gets stuck)
						os.Exit(1)
					}()

					cancel()
					<-redis_client.QueueConnection.StopAllConsuming() // wait for all Consume() calls to finish

					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer shutdownCancel()
					statsServer.Shutdown(shutdownCtx)
					database.Disconnect(shutdownCtx)

					return nil
				},
			},
		},
	}
}

func RegisterEventsCLI() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Inspect and inject tracking events",
		Subcommands: []*cli.Command{
			{
				Name:  "test-event",
				Usage: "publish a test event to every instance through the relay",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Value: string(ctdf.EventTypeSystem),
						Usage: "Event type",
					},
					&cli.StringFlag{
						Name:  "stop",
						Usage: "Stop the event is about",
					},
					&cli.StringFlag{
						Name:  "route",
						Usage: "Route the event is about",
					},
					&cli.StringFlag{
						Name:  "message",
						Value: "Test event",
					},
					&cli.BoolFlag{
						Name:  "push",
						Usage: "Also queue the event for push notification",
					},
				},
				Action: func(c *cli.Context) error {
					appConfig, err := config.Load(util.GetEnvironmentVariables())
					if err != nil {
						return err
					}

					if appConfig.Notify.Relay == "redis" || c.Bool("push") {
						if err := redis_client.Connect(); err != nil {
							return err
						}
					}

					event := NewTestEvent(ctdf.EventType(c.String("type")), c.String("stop"), c.String("route"), c.String("message"))

					relay, err := NewRelayFromConfig(appConfig.Notify, appConfig.InstanceID)
					if err != nil {
						return err
					}
					if relay == nil && !c.Bool("push") {
						return errors.New("no relay configured, set SCHOOLBUS_NOTIFY_RELAY or use --push")
					}

					if relay != nil {
						defer relay.Close()
						if err := relay.Publish(c.Context, event); err != nil {
							return err
						}
						log.Info().Str("event", event.PrimaryIdentifier).Str("relay", appConfig.Notify.Relay).Msg("Published test event")
					}

					if c.Bool("push") {
						queue, err := redis_client.QueueConnection.OpenQueue(PushQueueName)
						if err != nil {
							return err
						}
						payload, err := json.Marshal(event)
						if err != nil {
							return err
						}
						if err := queue.PublishBytes(payload); err != nil {
							return err
						}
						log.Info().Str("event", event.PrimaryIdentifier).Msg("Queued test event for push")
					}

					return nil
				},
			},
		},
	}
}

// NewTestEvent builds a fully populated event so it can be sent without a dispatcher
func NewTestEvent(eventType ctdf.EventType, stopRef string, routeRef string, message string) ctdf.Event {
	dispatcher := NewDispatcher(WithOrigin("cli"))

	scope := ctdf.EventScopeBroadcast
	if stopRef != "" {
		scope = ctdf.EventScopeStop
	} else if routeRef != "" {
		scope = ctdf.EventScopeRoute
	}

	return dispatcher.Publish(ctdf.Event{
		Type:     eventType,
		Scope:    scope,
		Message:  message,
		StopRef:  stopRef,
		RouteRef: routeRef,
	})
}
