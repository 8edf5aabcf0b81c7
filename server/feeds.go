package server

import (
	"context"
	"cookshare/cache"
	"cookshare/config"
	"cookshare/db"
	"cookshare/feeds"
	"cookshare/models"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// HostedFeed is a reconciled feed kept live by the server
type HostedFeed struct {
	Id          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Resource    string `json:"resource"`

	reconciler *feeds.Reconciler
}

type HostedFeeds struct {
	feeds map[string]*HostedFeed
	order []string
}

type storeFetcher struct {
	*db.DB
	authors cache.AuthorSource
}

func (s storeFetcher) FetchAuthor(ctx context.Context, id string) (*models.Author, error) {
	return s.authors.FetchAuthor(ctx, id)
}

// NewFetcher serves pages from store and authors from authors, which may be
// a cache in front of store
func NewFetcher(store *db.DB, authors cache.AuthorSource) feeds.Fetcher {
	if authors == nil {
		return store
	}
	return storeFetcher{DB: store, authors: authors}
}

// OpenFeeds opens one reconciler per configured feed, loads its first pages
// and forwards every change to bc
func OpenFeeds(ctx context.Context, fetcher feeds.Fetcher, subscriber feeds.Subscriber, configs []config.TomlFeed, bc *Broadcaster) (*HostedFeeds, error) {
	hosted := &HostedFeeds{feeds: make(map[string]*HostedFeed, len(configs))}

	for _, cfg := range configs {
		reconciler, err := feeds.Open(ctx, fetcher, subscriber, cfg.Options())
		if err != nil {
			hosted.Close()
			return nil, fmt.Errorf("failed to open feed %s: %w", cfg.Id, err)
		}

		id := cfg.Id
		if bc != nil {
			reconciler.OnUpdate(func(snapshot feeds.Snapshot) {
				bc.Broadcast(id, snapshot)
			})
		}

		for page := 0; page <= cfg.Preload; page++ {
			if err := reconciler.LoadMore(ctx); err != nil {
				log.WithFields(log.Fields{
					"feed":  id,
					"error": err,
				}).Warn("Failed to preload feed")
				break
			}
			if !reconciler.HasMore() {
				break
			}
		}

		hosted.feeds[id] = &HostedFeed{
			Id:          id,
			DisplayName: cfg.DisplayName,
			Description: cfg.Description,
			Resource:    reconciler.Resource(),
			reconciler:  reconciler,
		}
		hosted.order = append(hosted.order, id)

		log.WithFields(log.Fields{
			"feed":     id,
			"resource": reconciler.Resource(),
			"items":    len(reconciler.Items()),
		}).Info("Hosting feed")
	}

	return hosted, nil
}

func (h *HostedFeeds) Get(id string) (*HostedFeed, bool) {
	if h == nil {
		return nil, false
	}
	feed, ok := h.feeds[id]
	return feed, ok
}

// List returns the feeds in configuration order
func (h *HostedFeeds) List() []*HostedFeed {
	if h == nil {
		return []*HostedFeed{}
	}
	list := make([]*HostedFeed, 0, len(h.order))
	for _, id := range h.order {
		list = append(list, h.feeds[id])
	}
	return list
}

func (h *HostedFeeds) Close() {
	for _, feed := range h.feeds {
		feed.reconciler.Close()
	}
}
