package cmd

import (
	"cookshare/db"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the database if it does not exist.`,
		Flags:       dbFlags(),
		Action: func(ctx *cli.Context) error {
			driver, dsn := ctx.String("db-driver"), ctx.String("db-dsn")
			fmt.Println("Database configured:", describeDSN(driver, dsn))

			if err := db.Migrate(driver, dsn); err != nil {
				return err
			}
			return logVersion(driver, dsn)
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback database migrations",
		Description: `Rolls back the last database migrations, one step by default`,
		Flags: append(dbFlags(), &cli.IntFlag{
			Name:  "steps",
			Value: 1,
			Usage: "Number of migrations to roll back",
		}),
		Action: func(ctx *cli.Context) error {
			driver, dsn := ctx.String("db-driver"), ctx.String("db-dsn")
			fmt.Println("Database configured:", describeDSN(driver, dsn))

			if err := db.Rollback(driver, dsn, ctx.Int("steps")); err != nil {
				return err
			}
			return logVersion(driver, dsn)
		},
	}
}

func logVersion(driver, dsn string) error {
	version, dirty, err := db.Version(driver, dsn)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Database schema version")
	return nil
}
