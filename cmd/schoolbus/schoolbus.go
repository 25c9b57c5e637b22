package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/api"
	"github.com/travigo/schoolbus/pkg/api/routes"
	"github.com/travigo/schoolbus/pkg/importer"
	"github.com/travigo/schoolbus/pkg/notify"
	"github.com/urfave/cli/v2"

	_ "time/tzdata"
)

func main() {
	// Local development only, deployed instances are configured from the environment
	_ = godotenv.Load()

	if os.Getenv("SCHOOLBUS_LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	if os.Getenv("SCHOOLBUS_DEBUG") == "YES" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	app := &cli.App{
		Name:        "schoolbus",
		Description: "School transport tracking - runs the API, tracker, notifier and importer",
		Version:     routes.Version,

		Commands: []*cli.Command{
			api.RegisterCLI(),
			api.RegisterTrackerCLI(),
			notify.RegisterCLI(),
			notify.RegisterEventsCLI(),
			importer.RegisterCLI(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}
