package api

import (
	"context"
	"sync"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/attendance"
	"github.com/travigo/schoolbus/pkg/config"
	"github.com/travigo/schoolbus/pkg/consumer"
	"github.com/travigo/schoolbus/pkg/database"
	"github.com/travigo/schoolbus/pkg/elastic_client"
	"github.com/travigo/schoolbus/pkg/importer"
	"github.com/travigo/schoolbus/pkg/metrics"
	"github.com/travigo/schoolbus/pkg/notify"
	"github.com/travigo/schoolbus/pkg/redis_client"
	"github.com/travigo/schoolbus/pkg/routeindex"
	"github.com/travigo/schoolbus/pkg/schedule"
	"github.com/travigo/schoolbus/pkg/tracking"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
)

// Services is the tracking core for one instance. The instance owns the in-process trip
// state, other instances see its events through the relay.
type Services struct {
	Config  *config.Config
	Metrics *metrics.Collector

	Index        *routeindex.Index
	Store        *vehiclelocation.Store
	Dispatcher   *notify.Dispatcher
	Orchestrator *tracking.Orchestrator
	Recorder     *attendance.Recorder
	Inbox        notify.Inbox
	Targets      notify.TargetRepository

	// RealtimeQueue is nil when Redis is not in use
	RealtimeQueue rmq.Queue

	source           routeindex.Source
	realtimeConsumer *consumer.RedisConsumer
	relay            notify.Relay
	cancel           context.CancelFunc
	background       sync.WaitGroup
}

type backends struct {
	source   routeindex.Source
	vehicles vehiclelocation.Repository
	trips    tracking.TripRepository
	riders   attendance.RiderRepository
	inbox    notify.Inbox
	targets  notify.TargetRepository
}

func openBackends(appConfig *config.Config) (*backends, error) {
	if appConfig.Storage.Backend == "mongo" {
		if err := database.ConnectMongoDB(); err != nil {
			return nil, err
		}

		return &backends{
			source:   routeindex.MongoSource{},
			vehicles: vehiclelocation.MongoRepository{},
			trips:    tracking.MongoTripRepository{},
			riders:   attendance.MongoRiderRepository{},
			inbox:    notify.MongoInbox{},
			targets:  notify.MongoTargetRepository{},
		}, nil
	}

	dataset := &importer.Dataset{}
	if appConfig.Storage.SeedDirectory != "" {
		var err error
		dataset, err = importer.LoadDirectory(appConfig.Storage.SeedDirectory)
		if err != nil {
			return nil, err
		}
		if err := dataset.Validate(); err != nil {
			return nil, err
		}
		log.Info().Str("directory", appConfig.Storage.SeedDirectory).Msg("Seeded memory storage")
	}
	seeded := dataset.Seed()

	return &backends{
		source:   seeded.Dataset.Source(),
		vehicles: seeded.Vehicles,
		trips:    tracking.NewMemoryTripRepository(),
		riders:   seeded.Riders,
		inbox:    notify.NewMemoryInbox(),
		targets:  &notify.MemoryTargetRepository{},
	}, nil
}

func openAttendanceRepository(appConfig *config.Config) (attendance.Repository, error) {
	switch appConfig.Storage.AttendanceBackend {
	case "postgres":
		if err := database.ConnectPostgres(); err != nil {
			return nil, err
		}
		return attendance.NewPostgresRepository(database.GlobalGorm)
	case "mongo":
		if database.MongoGlobalInstance == nil {
			if err := database.ConnectMongoDB(); err != nil {
				return nil, err
			}
		}
		return attendance.MongoRepository{}, nil
	default:
		return attendance.NewMemoryRepository(), nil
	}
}

func needsRedis(appConfig *config.Config, withConsumers bool) bool {
	return withConsumers ||
		appConfig.Notify.Relay == "redis" ||
		appConfig.Notify.PushQueue ||
		appConfig.Storage.AttendanceCache
}

// NewServices connects storage and transports, loads the reference data and vehicle
// state, restores in-progress trips and starts the background sinks. withConsumers also
// runs the realtime-queue position consumers in this process.
func NewServices(ctx context.Context, appConfig *config.Config, withConsumers bool) (*Services, error) {
	backends, err := openBackends(appConfig)
	if err != nil {
		return nil, err
	}

	attendanceRepository, err := openAttendanceRepository(appConfig)
	if err != nil {
		return nil, err
	}

	if needsRedis(appConfig, withConsumers) {
		if err := redis_client.Connect(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	services := &Services{
		Config:  appConfig,
		Metrics: metrics.NewCollector(),
		Inbox:   backends.inbox,
		Targets: backends.targets,
		cancel:  cancel,
	}

	if err := services.build(ctx, backends, attendanceRepository); err != nil {
		cancel()
		return nil, err
	}

	if err := services.startBackground(ctx, withConsumers); err != nil {
		services.Close(context.Background())
		return nil, err
	}

	return services, nil
}

func (s *Services) build(ctx context.Context, backends *backends, attendanceRepository attendance.Repository) error {
	appConfig := s.Config

	s.source = backends.source
	s.Index = routeindex.New(backends.source)
	if err := s.Index.Refresh(ctx); err != nil {
		return err
	}

	s.Store = vehiclelocation.NewStore(backends.vehicles,
		vehiclelocation.WithChangeDetection(vehiclelocation.ChangeDetectionConfig{
			MinLocationChangeMeters: appConfig.Location.MinLocationChangeMeters,
			MaxTimeBetweenWrites:    appConfig.Location.MaxTimeBetweenWrites.Duration,
		}),
		vehiclelocation.WithMaxClockSkew(appConfig.Location.MaxClockSkew.Duration),
		vehiclelocation.WithMetrics(s.Metrics),
	)
	if err := s.Store.Load(ctx); err != nil {
		return err
	}

	evaluator := schedule.NewEvaluator(s.Index,
		schedule.WithDefaultTime(appConfig.DefaultArrivalTime()),
		schedule.WithLocation(appConfig.TimeLocation()),
	)

	s.Dispatcher = notify.NewDispatcher(
		notify.WithBufferSize(appConfig.Notify.SubscriberBuffer),
		notify.WithMaxConsecutiveDrops(appConfig.Notify.MaxConsecutiveDrops),
		notify.WithOrigin(appConfig.InstanceID),
		notify.WithMetrics(s.Metrics),
	)

	s.Orchestrator = tracking.NewOrchestrator(s.Store, s.Index, evaluator, backends.trips, s.Dispatcher,
		tracking.WithDetection(tracking.DetectionConfig{
			ArrivalRadiusMeters: appConfig.Tracking.ArrivalRadiusMeters,
			MinDwell:            appConfig.Tracking.MinDwell.Duration,
			MinExit:             appConfig.Tracking.MinExit.Duration,
		}),
		tracking.WithMetrics(s.Metrics),
	)
	if err := s.Orchestrator.Restore(ctx); err != nil {
		return err
	}

	recorderOptions := []attendance.Option{
		attendance.WithPublisher(s.Dispatcher),
		attendance.WithDriverRoutes(s.Orchestrator),
		attendance.WithMetrics(s.Metrics),
		attendance.WithLocation(appConfig.TimeLocation()),
	}
	if appConfig.Storage.AttendanceCache {
		precheck := cache.New[string](redisstore.NewRedis(redis_client.Client, store.WithExpiration(appConfig.Storage.AttendanceCacheTTL.Duration)))
		recorderOptions = append(recorderOptions, attendance.WithPrecheckCache(precheck))
	}
	s.Recorder = attendance.NewRecorder(s.Index, attendanceRepository, backends.riders, recorderOptions...)

	if redis_client.QueueConnection != nil {
		queue, err := redis_client.QueueConnection.OpenQueue(tracking.RealtimeQueueName)
		if err != nil {
			return err
		}
		s.RealtimeQueue = queue
	}

	return nil
}

func (s *Services) sink(predicate notify.Predicate) *notify.Subscription {
	return s.Dispatcher.SubscribeWithOptions(predicate, notify.SubscribeOptions{
		Buffer:     s.Config.Notify.SinkBuffer,
		Persistent: true,
	})
}

func (s *Services) goBackground(run func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		run()
	}()
}

func (s *Services) startBackground(ctx context.Context, withConsumers bool) error {
	appConfig := s.Config
	local := notify.FromOrigin(s.Dispatcher.Origin())

	s.goBackground(func() {
		s.Index.Run(ctx, appConfig.Index.RefreshInterval.Duration)
	})
	if source, ok := s.source.(routeindex.MongoSource); ok {
		changes := source.WatchChanges(ctx)
		s.goBackground(func() {
			s.Index.Watch(ctx, changes, appConfig.Index.WatchSettle.Duration)
		})
	}

	if appConfig.Notify.Persist {
		subscription := s.sink(notify.All())
		s.goBackground(func() {
			notify.Persist(ctx, subscription, s.Inbox)
		})
	}

	if appConfig.Notify.Archive {
		if err := elastic_client.Connect(false); err != nil {
			return err
		}
		if elastic_client.Enabled() {
			subscription := s.sink(local)
			s.goBackground(func() {
				notify.Archive(ctx, subscription, nil)
			})
		}
	}

	if appConfig.Notify.PushQueue {
		pushQueue, err := redis_client.QueueConnection.OpenQueue(notify.PushQueueName)
		if err != nil {
			return err
		}
		subscription := s.sink(notify.And(local, notify.Pushable()))
		s.goBackground(func() {
			notify.EnqueuePush(ctx, subscription, pushQueue)
		})
	}

	relay, err := notify.NewRelayFromConfig(appConfig.Notify, appConfig.InstanceID)
	if err != nil {
		return err
	}
	if relay != nil {
		s.relay = relay
		s.goBackground(func() {
			notify.Bridge(ctx, s.Dispatcher, relay, s.Metrics)
		})
	}

	if appConfig.Tracking.StompAddress != "" {
		feed := &tracking.StompFeed{
			Address:     appConfig.Tracking.StompAddress,
			Username:    appConfig.Tracking.StompUsername,
			Password:    appConfig.Tracking.StompPassword,
			Destination: appConfig.Tracking.StompDestination,
		}
		sink := tracking.NewPositionSink(s.RealtimeQueue, s.Orchestrator)
		s.goBackground(func() {
			feed.Run(ctx, sink)
		})
	}

	if withConsumers {
		s.realtimeConsumer = &consumer.RedisConsumer{
			QueueName:       tracking.RealtimeQueueName,
			NumberConsumers: appConfig.Tracking.QueueConsumers,
			BatchSize:       appConfig.Tracking.QueueBatchSize,
			Timeout:         appConfig.Tracking.QueueBatchTimeout.Duration,
			Consumer:        tracking.NewPositionBatchConsumer(s.Orchestrator, s.Metrics, appConfig.Tracking.MaxParallelVehicles),
			Connection:      redis_client.QueueConnection,
		}
		if err := s.realtimeConsumer.Setup(); err != nil {
			return err
		}

		s.goBackground(func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.realtimeConsumer.ReturnRejected()
				}
			}
		})
	}

	return nil
}

// QueueConnection is nil when Redis is not in use
func (s *Services) QueueConnection() rmq.Connection {
	return redis_client.QueueConnection
}

// HealthChecks are the storage and transport pings served on the stats listener
func (s *Services) HealthChecks() []consumer.HealthCheck {
	return []consumer.HealthCheck{database.Ping, redis_client.Ping}
}

// Close stops consumers first so no new positions arrive, then ends every subscription
// and waits for the sinks to drain.
func (s *Services) Close(ctx context.Context) {
	if s.realtimeConsumer != nil {
		s.realtimeConsumer.Stop()
	}

	s.cancel()
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close relay")
		}
	}
	s.background.Wait()

	if s.Config.Notify.Archive && elastic_client.Enabled() {
		elastic_client.WaitUntilQueueEmpty()
	}

	database.Disconnect(ctx)
}
