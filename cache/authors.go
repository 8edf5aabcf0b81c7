// Package cache keeps author records in Redis in front of the database.
package cache

import (
	"context"
	"cookshare/models"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const DefaultTTL = 10 * time.Minute

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cookshare_author_cache_lookups_total",
	Help: "Author cache lookups by result",
}, []string{"result"})

// AuthorSource is the authoritative author store
type AuthorSource interface {
	FetchAuthor(ctx context.Context, id string) (*models.Author, error)
}

// Authors is a read-through author cache. Redis failures are logged and the
// lookup falls through to the source.
type Authors struct {
	client *redis.Client
	source AuthorSource
	ttl    time.Duration
}

func NewAuthors(client *redis.Client, source AuthorSource, ttl time.Duration) *Authors {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authors{client: client, source: source, ttl: ttl}
}

func key(id string) string {
	return "author:" + id
}

func (a *Authors) FetchAuthor(ctx context.Context, id string) (*models.Author, error) {
	data, err := a.client.Get(ctx, key(id)).Bytes()
	switch {
	case err == nil:
		var author models.Author
		if err := json.Unmarshal(data, &author); err == nil {
			lookups.WithLabelValues("hit").Inc()
			return &author, nil
		}
		log.WithFields(log.Fields{
			"id": id,
		}).Warn("Discarding unreadable cached author")
	case errors.Is(err, redis.Nil):
		lookups.WithLabelValues("miss").Inc()
	default:
		lookups.WithLabelValues("error").Inc()
		log.WithFields(log.Fields{
			"id":    id,
			"error": err,
		}).Warn("Author cache unavailable")
	}

	author, err := a.source.FetchAuthor(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(author); err == nil {
		if err := a.client.Set(ctx, key(id), data, a.ttl).Err(); err != nil {
			log.WithFields(log.Fields{
				"id":    id,
				"error": err,
			}).Debug("Failed to cache author")
		}
	}

	return author, nil
}

// Invalidate drops the cached record for id
func (a *Authors) Invalidate(ctx context.Context, id string) error {
	return a.client.Del(ctx, key(id)).Err()
}
