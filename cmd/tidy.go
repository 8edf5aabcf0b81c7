package cmd

import (
	"cookshare/db"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing items that are old.

		Removes items older than the configured age, 90 days by default.
		This is to keep the database size down and to keep the feeds fresh.`,
		Flags: append(dbFlags(), &cli.DurationFlag{
			Name:    "max-age",
			Value:   90 * 24 * time.Hour,
			Usage:   "Remove items created longer ago than this",
			EnvVars: []string{"COOKSHARE_TIDY_MAX_AGE"},
		}),
		Action: func(ctx *cli.Context) error {
			driver, dsn := ctx.String("db-driver"), ctx.String("db-dsn")
			fmt.Println("Database configured:", describeDSN(driver, dsn))

			store, err := db.Open(driver, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Tidy(ctx.Context, ctx.Duration("max-age"))
			if err != nil {
				return err
			}
			fmt.Println("Removed items:", removed)
			return nil
		},
	}
}
