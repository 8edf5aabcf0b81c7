package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "cookshare",
		Usage: "Live recipe and post feeds for the cookshare app",
		Description: `Serves the cookshare REST API together with a realtime change
		stream, and keeps reconciled feeds of posts, recipes, comments and
		notifications up to date as items are created, edited and removed.

		Flags can generally be set via environment variables, e.g.:

		--db-dsn => COOKSHARE_DB_DSN=cookshare.db
		--port => COOKSHARE_PORT=3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"COOKSHARE_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			watchCmd(),
			postCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}
