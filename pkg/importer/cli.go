package importer

import (
	"context"
	"time"

	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/travigo/schoolbus/pkg/database"
	"github.com/urfave/cli/v2"
)

func RegisterCLI() *cli.Command {
	directoryFlag := &cli.StringFlag{
		Name:     "directory",
		Usage:    "Directory holding routes.csv, stops.csv and the optional schedules, vehicles & riders files",
		Required: true,
	}
	encodingFlag := &cli.StringFlag{
		Name:  "encoding",
		Usage: "Character set of the CSV files when not UTF-8 (eg. windows-1252)",
	}

	return &cli.Command{
		Name:  "importer",
		Usage: "Load school transport reference data from CSV",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Validate a dataset and upsert it into MongoDB",
				Flags: []cli.Flag{
					directoryFlag,
					encodingFlag,
					&cli.StringFlag{
						Name:  "repeat-every",
						Usage: "Repeat the import every X (eg. 1h)",
					},
				},
				Action: func(c *cli.Context) error {
					if err := database.ConnectMongoDB(); err != nil {
						return err
					}
					defer database.Disconnect(context.Background())

					repeatEvery := c.String("repeat-every")
					var repeatDuration time.Duration
					if repeatEvery != "" {
						var err error
						repeatDuration, err = time.ParseDuration(repeatEvery)
						if err != nil {
							return err
						}
					}

					for {
						startTime := time.Now()

						if err := importDirectory(c.Context, c.String("directory"), cliLoadOptions(c)...); err != nil {
							return err
						}
						if repeatDuration == 0 {
							return nil
						}

						executionDuration := time.Since(startTime)
						log.Info().Msgf("Operation took %s", executionDuration.String())

						waitTime := repeatDuration - executionDuration
						if waitTime.Seconds() > 0 {
							select {
							case <-c.Context.Done():
								return nil
							case <-time.After(waitTime):
							}
						}
					}
				},
			},
			{
				Name:  "validate",
				Usage: "Check a dataset without importing it",
				Flags: []cli.Flag{
					directoryFlag,
					encodingFlag,
				},
				Action: func(c *cli.Context) error {
					dataset, err := LoadDirectory(c.String("directory"), cliLoadOptions(c)...)
					if err != nil {
						return err
					}

					if err := dataset.Validate(); err != nil {
						return err
					}

					pretty.Println(dataset.Summary())
					log.Info().Strs("routes", dataset.RouteIdentifiers()).Msg("Dataset is valid")

					return nil
				},
			},
		},
	}
}

func cliLoadOptions(c *cli.Context) []LoadOption {
	if encoding := c.String("encoding"); encoding != "" {
		return []LoadOption{WithEncoding(encoding)}
	}
	return nil
}

func importDirectory(ctx context.Context, directory string, opts ...LoadOption) error {
	dataset, err := LoadDirectory(directory, opts...)
	if err != nil {
		return err
	}
	if err := dataset.Validate(); err != nil {
		return err
	}

	return dataset.ImportMongo(ctx)
}
