package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog/log"
	iso8601 "github.com/senseyeio/duration"
	"github.com/travigo/schoolbus/pkg/util"
	"gopkg.in/yaml.v3"
)

// Duration accepts ISO-8601 (PT30S) or Go duration syntax (30s) in YAML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func ParseDuration(value string) (time.Duration, error) {
	if isoDuration, err := iso8601.ParseISO8601(value); err == nil {
		// Shift against a fixed UTC reference so day and month components stay deterministic
		reference := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		return isoDuration.Shift(reference).Sub(reference), nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return parsed, nil
}

type Config struct {
	Listen      string `yaml:"listen"`
	StatsListen string `yaml:"statsListen"`
	InstanceID  string `yaml:"instanceId"`

	Storage  StorageConfig  `yaml:"storage"`
	Index    IndexConfig    `yaml:"index"`
	Location LocationConfig `yaml:"location"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Tracking TrackingConfig `yaml:"tracking"`
	Notify   NotifyConfig   `yaml:"notify"`
	Identity IdentityConfig `yaml:"identity"`
}

type StorageConfig struct {
	// mongo or memory
	Backend string `yaml:"backend"`
	// mongo, postgres or memory
	AttendanceBackend string `yaml:"attendanceBackend"`
	// Directory of reference CSV files loaded into memory storage on startup
	SeedDirectory string `yaml:"seedDirectory"`
	// Redis pre-check cache in front of attendance inserts
	AttendanceCache    bool     `yaml:"attendanceCache"`
	AttendanceCacheTTL Duration `yaml:"attendanceCacheTtl"`
}

type IndexConfig struct {
	RefreshInterval Duration `yaml:"refreshInterval"`
	// Quiet period after a reference data change before rebuilding
	WatchSettle Duration `yaml:"watchSettle"`
}

type LocationConfig struct {
	MinLocationChangeMeters float64  `yaml:"minLocationChangeMeters"`
	MaxTimeBetweenWrites    Duration `yaml:"maxTimeBetweenWrites"`
	MaxClockSkew            Duration `yaml:"maxClockSkew"`
}

type ScheduleConfig struct {
	DefaultArrivalTime string `yaml:"defaultArrivalTime"`
	Timezone           string `yaml:"timezone"`
}

type TrackingConfig struct {
	ArrivalRadiusMeters float64  `yaml:"arrivalRadiusMeters"`
	MinDwell            Duration `yaml:"minDwell"`
	MinExit             Duration `yaml:"minExit"`

	QueueConsumers      int      `yaml:"queueConsumers"`
	QueueBatchSize      int64    `yaml:"queueBatchSize"`
	QueueBatchTimeout   Duration `yaml:"queueBatchTimeout"`
	MaxParallelVehicles int      `yaml:"maxParallelVehicles"`

	// Optional STOMP AVL feed, credentials come from SCHOOLBUS_STOMP_USERNAME & SCHOOLBUS_STOMP_PASSWORD
	StompAddress     string `yaml:"stompAddress"`
	StompDestination string `yaml:"stompDestination"`
	StompUsername    string `yaml:"-"`
	StompPassword    string `yaml:"-"`
}

type NotifyConfig struct {
	SubscriberBuffer    int `yaml:"subscriberBuffer"`
	SinkBuffer          int `yaml:"sinkBuffer"`
	MaxConsecutiveDrops int `yaml:"maxConsecutiveDrops"`

	// none, redis or nats
	Relay             string `yaml:"relay"`
	RedisChannel      string `yaml:"redisChannel"`
	NATSURL           string `yaml:"natsUrl"`
	NATSSubjectPrefix string `yaml:"natsSubjectPrefix"`

	PushQueue bool `yaml:"pushQueue"`
	Archive   bool `yaml:"archive"`
	Persist   bool `yaml:"persist"`
}

type IdentityConfig struct {
	// jwt or header
	Mode string `yaml:"mode"`
}

func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Listen:      ":8080",
		StatsListen: ":8081",
		InstanceID:  hostname,
		Storage: StorageConfig{
			Backend:            "mongo",
			AttendanceBackend:  "mongo",
			AttendanceCache:    false,
			AttendanceCacheTTL: Duration{24 * time.Hour},
		},
		Index: IndexConfig{
			RefreshInterval: Duration{5 * time.Minute},
			WatchSettle:     Duration{2 * time.Second},
		},
		Location: LocationConfig{
			MinLocationChangeMeters: 25,
			MaxTimeBetweenWrites:    Duration{time.Minute},
			MaxClockSkew:            Duration{5 * time.Minute},
		},
		Schedule: ScheduleConfig{
			DefaultArrivalTime: "08:00",
			Timezone:           "Europe/London",
		},
		Tracking: TrackingConfig{
			ArrivalRadiusMeters: 50,
			MinDwell:            Duration{5 * time.Second},
			MinExit:             Duration{10 * time.Second},
			QueueConsumers:      2,
			QueueBatchSize:      200,
			QueueBatchTimeout:   Duration{time.Second},
			MaxParallelVehicles: 16,
		},
		Notify: NotifyConfig{
			SubscriberBuffer:    64,
			SinkBuffer:          4096,
			MaxConsecutiveDrops: 32,
			Relay:               "none",
			RedisChannel:        "schoolbus:events",
			NATSSubjectPrefix:   "schoolbus.events",
			PushQueue:           true,
			Archive:             false,
			Persist:             true,
		},
		Identity: IdentityConfig{
			Mode: "jwt",
		},
	}
}

// Load applies defaults, then the YAML file named by SCHOOLBUS_CONFIG, then SCHOOLBUS_* overrides
func Load(env map[string]string) (*Config, error) {
	config := Default()

	if path := env["SCHOOLBUS_CONFIG"]; path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := yaml.Unmarshal(contents, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}

		log.Info().Str("path", path).Msg("Loaded configuration file")
	}

	config.applyEnvironment(env)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnvironment(env map[string]string) {
	c.Listen = util.EnvString(env, "SCHOOLBUS_LISTEN", c.Listen)
	c.StatsListen = util.EnvString(env, "SCHOOLBUS_STATS_LISTEN", c.StatsListen)
	c.InstanceID = util.EnvString(env, "SCHOOLBUS_INSTANCE_ID", c.InstanceID)

	c.Storage.Backend = util.EnvString(env, "SCHOOLBUS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.AttendanceBackend = util.EnvString(env, "SCHOOLBUS_ATTENDANCE_BACKEND", c.Storage.AttendanceBackend)
	c.Storage.SeedDirectory = util.EnvString(env, "SCHOOLBUS_SEED_DIRECTORY", c.Storage.SeedDirectory)
	c.Storage.AttendanceCache = util.EnvBool(env, "SCHOOLBUS_ATTENDANCE_CACHE", c.Storage.AttendanceCache)

	c.Index.RefreshInterval.Duration = util.EnvDuration(env, "SCHOOLBUS_INDEX_REFRESH_INTERVAL", c.Index.RefreshInterval.Duration)

	c.Location.MinLocationChangeMeters = util.EnvFloat(env, "SCHOOLBUS_MIN_LOCATION_CHANGE_METERS", c.Location.MinLocationChangeMeters)
	c.Location.MaxTimeBetweenWrites.Duration = util.EnvDuration(env, "SCHOOLBUS_MAX_TIME_BETWEEN_WRITES", c.Location.MaxTimeBetweenWrites.Duration)
	c.Location.MaxClockSkew.Duration = util.EnvDuration(env, "SCHOOLBUS_MAX_CLOCK_SKEW", c.Location.MaxClockSkew.Duration)

	c.Schedule.DefaultArrivalTime = util.EnvString(env, "SCHOOLBUS_DEFAULT_ARRIVAL_TIME", c.Schedule.DefaultArrivalTime)
	c.Schedule.Timezone = util.EnvString(env, "SCHOOLBUS_TIMEZONE", c.Schedule.Timezone)

	c.Tracking.ArrivalRadiusMeters = util.EnvFloat(env, "SCHOOLBUS_ARRIVAL_RADIUS_METERS", c.Tracking.ArrivalRadiusMeters)
	c.Tracking.MinDwell.Duration = util.EnvDuration(env, "SCHOOLBUS_MIN_DWELL", c.Tracking.MinDwell.Duration)
	c.Tracking.MinExit.Duration = util.EnvDuration(env, "SCHOOLBUS_MIN_EXIT", c.Tracking.MinExit.Duration)
	c.Tracking.QueueConsumers = util.EnvInt(env, "SCHOOLBUS_QUEUE_CONSUMERS", c.Tracking.QueueConsumers)
	c.Tracking.MaxParallelVehicles = util.EnvInt(env, "SCHOOLBUS_MAX_PARALLEL_VEHICLES", c.Tracking.MaxParallelVehicles)
	c.Tracking.StompAddress = util.EnvString(env, "SCHOOLBUS_STOMP_ADDRESS", c.Tracking.StompAddress)
	c.Tracking.StompDestination = util.EnvString(env, "SCHOOLBUS_STOMP_DESTINATION", c.Tracking.StompDestination)
	c.Tracking.StompUsername = util.EnvString(env, "SCHOOLBUS_STOMP_USERNAME", c.Tracking.StompUsername)
	c.Tracking.StompPassword = util.EnvString(env, "SCHOOLBUS_STOMP_PASSWORD", c.Tracking.StompPassword)

	c.Notify.SubscriberBuffer = util.EnvInt(env, "SCHOOLBUS_SUBSCRIBER_BUFFER", c.Notify.SubscriberBuffer)
	c.Notify.MaxConsecutiveDrops = util.EnvInt(env, "SCHOOLBUS_MAX_CONSECUTIVE_DROPS", c.Notify.MaxConsecutiveDrops)
	c.Notify.Relay = util.EnvString(env, "SCHOOLBUS_NOTIFY_RELAY", c.Notify.Relay)
	c.Notify.NATSURL = util.EnvString(env, "SCHOOLBUS_NATS_URL", c.Notify.NATSURL)
	c.Notify.PushQueue = util.EnvBool(env, "SCHOOLBUS_PUSH_QUEUE", c.Notify.PushQueue)
	c.Notify.Archive = util.EnvBool(env, "SCHOOLBUS_EVENT_ARCHIVE", c.Notify.Archive)

	c.Identity.Mode = util.EnvString(env, "SCHOOLBUS_IDENTITY_MODE", c.Identity.Mode)
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Storage.AttendanceBackend {
	case "mongo", "postgres", "memory":
	default:
		return fmt.Errorf("unknown attendance backend %q", c.Storage.AttendanceBackend)
	}

	switch c.Notify.Relay {
	case "none", "redis", "nats":
	default:
		return fmt.Errorf("unknown notify relay %q", c.Notify.Relay)
	}
	if c.Notify.Relay == "nats" && c.Notify.NATSURL == "" {
		return fmt.Errorf("nats relay requires SCHOOLBUS_NATS_URL")
	}

	switch c.Identity.Mode {
	case "jwt", "header":
	default:
		return fmt.Errorf("unknown identity mode %q", c.Identity.Mode)
	}

	if c.Tracking.StompAddress != "" && c.Tracking.StompDestination == "" {
		return fmt.Errorf("stomp feed requires SCHOOLBUS_STOMP_DESTINATION")
	}

	if c.Tracking.ArrivalRadiusMeters <= 0 {
		return fmt.Errorf("arrival radius must be positive")
	}
	if c.Notify.SubscriberBuffer <= 0 || c.Notify.SinkBuffer <= 0 {
		return fmt.Errorf("notify buffers must be positive")
	}
	if _, err := util.ParseTimeOfDay(c.Schedule.DefaultArrivalTime); err != nil {
		return fmt.Errorf("default arrival time: %w", err)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	return nil
}

func (c *Config) TimeLocation() *time.Location {
	location, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return location
}

func (c *Config) DefaultArrivalTime() time.Time {
	parsed, _ := util.ParseTimeOfDay(c.Schedule.DefaultArrivalTime)
	return parsed
}
