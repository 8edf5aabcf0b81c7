package cmd

import (
	"context"
	"cookshare/cache"
	"cookshare/config"
	"cookshare/db"
	"cookshare/realtime"
	"cookshare/server"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the cookshare API and realtime stream",
		Description: `Starts the cookshare HTTP server and the realtime websocket hub.

		Every write made through the REST API is published on the realtime
		stream. Feeds listed in the configuration file are reconciled in
		process and can be read, paged and streamed over server-sent events.`,
		Flags: append(dbFlags(),
			&cli.StringFlag{
				Name:    "host",
				Value:   "",
				Usage:   "Interface to listen on",
				EnvVars: []string{"COOKSHARE_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port for the REST API",
				EnvVars: []string{"COOKSHARE_PORT"},
			},
			&cli.IntFlag{
				Name:    "realtime-port",
				Value:   3001,
				Usage:   "Port for the realtime websocket endpoint",
				EnvVars: []string{"COOKSHARE_REALTIME_PORT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to feeds configuration file",
				EnvVars: []string{"COOKSHARE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "allow-origins",
				Value:   "*",
				Usage:   "Comma separated origins allowed to call the API",
				EnvVars: []string{"COOKSHARE_ALLOW_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the author cache, disabled when empty",
				EnvVars: []string{"COOKSHARE_REDIS_ADDR"},
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Value:   cache.DefaultTTL,
				Usage:   "How long cached authors are kept",
				EnvVars: []string{"COOKSHARE_CACHE_TTL"},
			},
			&cli.DurationFlag{
				Name:    "tidy-interval",
				Value:   time.Hour,
				Usage:   "How often old items are removed, 0 disables tidying",
				EnvVars: []string{"COOKSHARE_TIDY_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "tidy-max-age",
				Value:   90 * 24 * time.Hour,
				Usage:   "Remove items created longer ago than this",
				EnvVars: []string{"COOKSHARE_TIDY_MAX_AGE"},
			},
		),
		Action: func(ctx *cli.Context) error {
			driver, dsn := ctx.String("db-driver"), ctx.String("db-dsn")
			log.Info("Database configured: ", describeDSN(driver, dsn))

			if err := db.Migrate(driver, dsn); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			store, err := db.Open(driver, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			hub, err := realtime.NewHub()
			if err != nil {
				return err
			}
			store.SetPublisher(hub)

			var authors cache.AuthorSource = store
			if addr := ctx.String("redis-addr"); addr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: addr})
				defer rdb.Close()
				authors = cache.NewAuthors(rdb, store, ctx.Duration("cache-ttl"))
				log.Info("Caching authors in redis at ", addr)
			}

			var feedConfigs []config.TomlFeed
			if path := ctx.String("config"); path != "" {
				cfg, err := config.LoadConfig(path)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				feedConfigs = cfg.Feeds
			}

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			bc := server.NewBroadcaster()
			hosted, err := server.OpenFeeds(runCtx, server.NewFetcher(store, authors), hub, feedConfigs, bc)
			if err != nil {
				return err
			}
			defer hosted.Close()

			app := server.Server(&server.ServerConfig{
				AllowOrigins: ctx.String("allow-origins"),
				Store:        store,
				Authors:      authors,
				Feeds:        hosted,
				Broadcaster:  bc,
			})

			// The websocket hub needs a net/http listener of its own
			mux := http.NewServeMux()
			mux.Handle("/realtime", hub)
			rtServer := &http.Server{
				Addr:              fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("realtime-port")),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 2)
			go func() {
				log.Info("Starting realtime hub on ", rtServer.Addr)
				if err := rtServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			go func() {
				addr := fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("port"))
				log.Info("Starting server on ", addr)
				if err := app.Listen(addr); err != nil {
					errCh <- err
				}
			}()

			if interval := ctx.Duration("tidy-interval"); interval > 0 {
				go store.TidyEvery(runCtx, interval, ctx.Duration("tidy-max-age"))
			}

			// Graceful shutdown
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var runErr error
			select {
			case <-sigCh:
				log.Info("Gracefully shutting down...")
			case runErr = <-errCh:
				log.Error("Server stopped: ", runErr)
			}

			cancel()
			bc.Shutdown()
			hub.Shutdown()

			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := rtServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("Error shutting down realtime hub: ", err)
			}
			if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
				log.Warn("Error shutting down server: ", err)
			}

			log.Info("Done!")
			return runErr
		},
	}
}
