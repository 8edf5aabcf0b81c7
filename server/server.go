package server

import (
	"bufio"
	"context"
	"cookshare/cache"
	"cookshare/db"
	"cookshare/feeds"
	"cookshare/models"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// Upper bound for the cumulative page limit a client may request
const maxLimit = 1000

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "cookshare_http_request_duration_seconds",
	Help:    "Latency of HTTP requests",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
}, []string{"method", "route", "status"})

type ServerConfig struct {

	// Origins allowed to call the API from a browser
	AllowOrigins string

	// The store backing the REST resources
	Store *db.DB

	// Author lookups, usually a cache in front of Store. Defaults to Store.
	Authors cache.AuthorSource

	// Feeds reconciled and hosted by this server
	Feeds *HostedFeeds

	// Broadcast channel to pass snapshots to SSE clients
	Broadcaster *Broadcaster
}

// Returns a fiber.App instance to be used as an HTTP server for the cookshare API
func Server(config *ServerConfig) *fiber.App {
	if config.Authors == nil {
		config.Authors = config.Store
	}
	if config.Broadcaster == nil {
		config.Broadcaster = NewBroadcaster()
	}
	if config.AllowOrigins == "" {
		config.AllowOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		AppName: "cookshare",
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		requestDuration.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Observe(latency.Seconds())

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  status,
			"latency": latency,
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		// Event streams must not be buffered by the compressor
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/sse")
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	registerRest(app, config)
	registerFeeds(app, config)

	return app
}

// fail maps domain errors to HTTP statuses
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, models.ErrUnknownKind):
		status = fiber.StatusBadRequest
	case errors.Is(err, feeds.ErrFetchFailed):
		status = fiber.StatusBadGateway
	case errors.Is(err, feeds.ErrClosed):
		status = fiber.StatusServiceUnavailable
	}

	if status >= 500 {
		log.WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
			"error":  err,
		}).Error("Request failed")
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

func registerRest(app *fiber.App, config *ServerConfig) {
	store := config.Store

	// User routes come first so they win over /rest/:resource/:id
	app.Get("/rest/users/:id", func(c *fiber.Ctx) error {
		author, err := config.Authors.FetchAuthor(c.UserContext(), c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(author)
	})

	app.Put("/rest/users/:id", func(c *fiber.Ctx) error {
		var author models.Author
		if err := json.Unmarshal(c.Body(), &author); err != nil {
			return badRequest(c, err)
		}
		author.Id = c.Params("id")

		if err := store.UpsertAuthor(c.UserContext(), author); err != nil {
			return fail(c, err)
		}
		if invalidator, ok := config.Authors.(interface {
			Invalidate(ctx context.Context, id string) error
		}); ok {
			if err := invalidator.Invalidate(c.UserContext(), author.Id); err != nil {
				log.WithFields(log.Fields{
					"id":    author.Id,
					"error": err,
				}).Warn("Failed to invalidate cached author")
			}
		}
		return c.JSON(author)
	})

	app.Get("/users/:id/unseen", func(c *fiber.Ctx) error {
		count, err := store.CountUnseen(c.UserContext(), c.Params("id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"unseen": count})
	})

	app.Get("/rest/:resource", func(c *fiber.Ctx) error {
		resource, ok := resourceParam(c)
		if !ok {
			return nil
		}

		limit := c.QueryInt("limit", feeds.DefaultPageSize)
		if limit < 1 || limit > maxLimit {
			return badRequest(c, fmt.Errorf("limit must be between 1 and %d", maxLimit))
		}

		var clauses []string
		for _, clause := range c.Context().QueryArgs().PeekMulti("filter") {
			clauses = append(clauses, string(clause))
		}
		filter, err := models.ParseFilterClauses(clauses)
		if err != nil {
			return badRequest(c, err)
		}

		items, err := store.FetchPage(c.UserContext(), resource, limit, filter)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(items)
	})

	app.Post("/rest/:resource", func(c *fiber.Ctx) error {
		resource, ok := resourceParam(c)
		if !ok {
			return nil
		}

		var item models.Item
		if err := json.Unmarshal(c.Body(), &item); err != nil {
			return badRequest(c, err)
		}
		item.Id = 0

		created, err := store.CreateItem(c.UserContext(), resource, item)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(created)
	})

	app.Get("/rest/:resource/:id", func(c *fiber.Ctx) error {
		resource, ok := resourceParam(c)
		if !ok {
			return nil
		}
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, err)
		}

		item, err := store.FetchItem(c.UserContext(), resource, id)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(item)
	})

	app.Patch("/rest/:resource/:id", func(c *fiber.Ctx) error {
		resource, ok := resourceParam(c)
		if !ok {
			return nil
		}
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, err)
		}
		var fields models.Fields
		if err := json.Unmarshal(c.Body(), &fields); err != nil {
			return badRequest(c, err)
		}

		updated, err := store.UpdateItem(c.UserContext(), resource, id, fields)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(updated)
	})

	app.Delete("/rest/:resource/:id", func(c *fiber.Ctx) error {
		resource, ok := resourceParam(c)
		if !ok {
			return nil
		}
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil {
			return badRequest(c, err)
		}

		if err := store.DeleteItem(c.UserContext(), resource, id); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// resourceParam validates the :resource path parameter and answers 404 when
// it names no known resource
func resourceParam(c *fiber.Ctx) (string, bool) {
	resource := c.Params("resource")
	if _, err := models.KindForResource(resource); err != nil {
		c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		return "", false
	}
	return resource, true
}

func registerFeeds(app *fiber.App, config *ServerConfig) {
	bc := config.Broadcaster

	app.Get("/feeds", func(c *fiber.Ctx) error {
		return c.JSON(config.Feeds.List())
	})

	app.Delete("/feeds/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	hosted := func(c *fiber.Ctx) (*HostedFeed, error) {
		feed, ok := config.Feeds.Get(c.Params("name"))
		if !ok {
			return nil, fmt.Errorf("feed %q: %w", c.Params("name"), db.ErrNotFound)
		}
		return feed, nil
	}

	app.Get("/feeds/:name", func(c *fiber.Ctx) error {
		feed, err := hosted(c)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(feed.reconciler.Snapshot())
	})

	app.Post("/feeds/:name/more", func(c *fiber.Ctx) error {
		feed, err := hosted(c)
		if err != nil {
			return fail(c, err)
		}
		if err := feed.reconciler.LoadMore(c.UserContext()); err != nil {
			return fail(c, err)
		}
		return c.JSON(feed.reconciler.Snapshot())
	})

	app.Post("/feeds/:name/reload", func(c *fiber.Ctx) error {
		feed, err := hosted(c)
		if err != nil {
			return fail(c, err)
		}
		if err := feed.reconciler.Reload(c.UserContext()); err != nil {
			return fail(c, err)
		}
		return c.JSON(feed.reconciler.Snapshot())
	})

	app.Get("/feeds/:name/sse", func(c *fiber.Ctx) error {
		feed, err := hosted(c)
		if err != nil {
			return fail(c, err)
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		snapshots := make(chan feeds.Snapshot, 1)
		aliveChan := time.NewTicker(5 * time.Second)

		bc.AddClient(key, feed.Id, snapshots)
		current := feed.reconciler.Snapshot()

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer aliveChan.Stop()
			defer func() {
				log.Infof("Cleaning up SSE stream for client: %s", key)
				bc.RemoveClient(key)
			}()

			// Send initial event with client key
			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := writeSnapshot(w, current); err != nil {
				log.Errorf("Failed to send initial snapshot: %v", err)
				return
			}
			lastVersion := current.Version

			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case snapshot, ok := <-snapshots:
					if !ok {
						log.Warnf("Snapshot channel closed for client %s", key)
						return
					}
					if snapshot.Version <= lastVersion {
						continue
					}
					if err := writeSnapshot(w, snapshot); err != nil {
						log.Warnf("Failed to send snapshot to client %s: %v", key, err)
						return
					}
					lastVersion = snapshot.Version
				}
			}
		}))

		return nil
	})
}

func writeSnapshot(w *bufio.Writer, snapshot feeds.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
