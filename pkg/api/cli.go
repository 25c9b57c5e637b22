package api

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/config"
	"github.com/travigo/schoolbus/pkg/consumer"
	"github.com/travigo/schoolbus/pkg/database"
	"github.com/travigo/schoolbus/pkg/tracking"
	"github.com/travigo/schoolbus/pkg/util"
	"github.com/travigo/schoolbus/pkg/vehiclelocation"
	"github.com/urfave/cli/v2"

	_ "time/tzdata"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "web-api",
		Usage: "Provides the core web API",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run web api server with the tracker and realtime consumers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "listen target for the web server, overrides SCHOOLBUS_LISTEN",
					},
					&cli.BoolFlag{
						Name:  "no-consumers",
						Usage: "do not consume the realtime queue in this process",
					},
				},
				Action: func(c *cli.Context) error {
					appConfig, err := config.Load(util.GetEnvironmentVariables())
					if err != nil {
						return err
					}
					if listen := c.String("listen"); listen != "" {
						appConfig.Listen = listen
					}

					identity, err := NewIdentityMiddleware(appConfig.Identity.Mode)
					if err != nil {
						return err
					}

					services, err := NewServices(c.Context, appConfig, !c.Bool("no-consumers"))
					if err != nil {
						return err
					}

					statsServer := consumer.StartStatsServer(appConfig.StatsListen, consumer.NewStatsMux(
						services.QueueConnection(), services.Metrics, services.HealthChecks()...,
					))

					webApp := NewApp(services, identity)

					go func() {
						log.Info().Msgf("Web API listening on %s", appConfig.Listen)
						if err := webApp.Listen(appConfig.Listen); err != nil {
							log.Error().Err(err).Msg("Web API stopped")
						}
					}()

					waitForSignal()

					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer shutdownCancel()

					if err := webApp.ShutdownWithContext(shutdownCtx); err != nil {
						log.Error().Err(err).Msg("Failed to shut down web API")
					}
					statsServer.Shutdown(shutdownCtx)
					services.Close(shutdownCtx)

					return nil
				},
			},
		},
	}
}

func RegisterTrackerCLI() *cli.Command {
	return &cli.Command{
		Name:  "tracker",
		Usage: "Vehicle tracking without the web API",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "consume the realtime queue and run trip progress",
				Action: func(c *cli.Context) error {
					appConfig, err := config.Load(util.GetEnvironmentVariables())
					if err != nil {
						return err
					}

					services, err := NewServices(c.Context, appConfig, true)
					if err != nil {
						return err
					}

					statsServer := consumer.StartStatsServer(appConfig.StatsListen, consumer.NewStatsMux(
						services.QueueConnection(), services.Metrics, services.HealthChecks()...,
					))

					waitForSignal()

					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer shutdownCancel()

					statsServer.Shutdown(shutdownCtx)
					services.Close(shutdownCtx)

					return nil
				},
			},
			{
				Name:  "inspect",
				Usage: "print in-progress trips and live vehicles from storage",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "vehicle",
						Usage: "only print this vehicle",
					},
				},
				Action: func(c *cli.Context) error {
					if err := database.ConnectMongoDB(); err != nil {
						return err
					}
					defer database.Disconnect(context.Background())

					trips, err := tracking.MongoTripRepository{}.FindInProgress(c.Context)
					if err != nil {
						return err
					}

					vehicles, err := vehiclelocation.MongoRepository{}.ListVehicles(c.Context)
					if err != nil {
						return err
					}

					vehicleFilter := c.String("vehicle")
					for _, trip := range trips {
						if vehicleFilter == "" || trip.VehicleRef == vehicleFilter {
							pretty.Println(trip)
						}
					}
					for _, vehicle := range vehicles {
						if vehicleFilter == "" || vehicle.PrimaryIdentifier == vehicleFilter {
							pretty.Println(vehicle)
						}
					}

					log.Info().Int("trips", len(trips)).Int("vehicles", len(vehicles)).Msg("Inspected tracking state")

					return nil
				},
			},
		},
	}
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	<-signals // wait for signal
	go func() {
		<-signals // hard exit on second signal (in case shutdown gets stuck)
		os.Exit(1)
	}()
}
