package cmd

import (
	"cookshare/db"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

func dbFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "db-driver",
			Value:   db.DriverSQLite,
			Usage:   "Database driver, sqlite or postgres",
			EnvVars: []string{"COOKSHARE_DB_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "db-dsn",
			Aliases: []string{"d"},
			Value:   "cookshare.db",
			Usage:   "SQLite database file or PostgreSQL connection url",
			EnvVars: []string{"COOKSHARE_DB_DSN"},
		},
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Value:   "http://localhost:3000",
			Usage:   "Base url of the cookshare REST API",
			EnvVars: []string{"COOKSHARE_BACKEND"},
		},
		&cli.StringSliceFlag{
			Name:    "realtime-host",
			Value:   cli.NewStringSlice("ws://localhost:3001"),
			Usage:   "Realtime websocket hosts tried in order, e.g. ws://localhost:3001",
			EnvVars: []string{"COOKSHARE_REALTIME_HOSTS"},
		},
		&cli.BoolFlag{
			Name:    "compress",
			Value:   true,
			Usage:   "Request zstd compressed realtime frames",
			EnvVars: []string{"COOKSHARE_COMPRESS"},
		},
	}
}

// describeDSN hides credentials when logging the configured database
func describeDSN(driver, dsn string) string {
	if driver != db.DriverPostgres {
		return dsn
	}
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		return fmt.Sprintf("%s://***@%s", driver, dsn[at+1:])
	}
	return dsn
}
