package main

import (
	"context"
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // bundles timezone data for hosts without a zoneinfo db

	"github.com/urfave/cli/v3"
)

func main() {
	// Run everything in UTC; host-local timezones only produce confusing
	// wait resume times.
	if err := os.Setenv("TZ", "UTC"); err != nil {
		panic(err)
	}
	time.Local = time.UTC

	app := &cli.Command{
		Name:  "everflow",
		Usage: "Workflow execution engine for marketing automation.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output logs as JSON.",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set the log level.  One of: trace, debug, info, warn, error.",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("json") {
				os.Setenv("LOG_HANDLER", "json")
			}
			if cmd.IsSet("log-level") {
				os.Setenv("LOG_LEVEL", cmd.String("log-level"))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
