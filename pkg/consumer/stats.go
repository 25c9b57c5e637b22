package consumer

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/metrics"
)

type HealthCheck func(ctx context.Context) error

type StatsServerHandler struct {
	redisConnection rmq.Connection
}

func NewStatsHandler(connection rmq.Connection) *StatsServerHandler {
	return &StatsServerHandler{redisConnection: connection}
}

func (handler *StatsServerHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	layout := request.FormValue("layout")
	refresh := request.FormValue("refresh")

	queues, err := handler.redisConnection.GetOpenQueues()
	if err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(writer, err)
		return
	}

	stats, err := handler.redisConnection.CollectStats(queues)
	if err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(writer, err)
		return
	}

	fmt.Fprint(writer, stats.GetHtml(layout, refresh))
}

type HealthHandler struct {
	checks []HealthCheck
}

func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (handler *HealthHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), 5*time.Second)
	defer cancel()

	for _, check := range handler.checks {
		if err := check(ctx); err != nil {
			writer.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(writer, err)

			return
		}
	}

	writer.WriteHeader(http.StatusOK)
	fmt.Fprint(writer, "OK")
}

// NewStatsMux exposes queue stats, health checks, metrics and pprof on one listener
func NewStatsMux(connection rmq.Connection, collector *metrics.Collector, checks ...HealthCheck) *http.ServeMux {
	mux := http.NewServeMux()

	if connection != nil {
		mux.Handle("/queues/stats", NewStatsHandler(connection))
	}
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}
	mux.Handle("/health", NewHealthHandler(checks...))
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	return mux
}

func StartStatsServer(listen string, handler http.Handler) *http.Server {
	server := &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Msgf("Stats server listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Stats server failed")
		}
	}()

	return server
}
