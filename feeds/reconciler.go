package feeds

import (
	"context"
	"cookshare/models"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Reconciler owns one feed: the items currently shown, the cumulative limit
// requested so far and the live subscription feeding it change events.
//
// Page replacement and event application are serialized by mu. Events that
// arrive while a fetch is in flight are applied to the current items right
// away and replayed on top of the fetched page once it lands, so a delete
// that races a fetch is never undone by stale page contents.
type Reconciler struct {
	opts       Options
	fetcher    Fetcher
	subscriber Subscriber

	// ctx lives as long as the feed, it bounds author lookups
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	items     []models.Item
	hasMore   bool
	limit     int
	state     State
	loaded    bool
	pending   []models.ChangeEvent
	version   uint64
	sub       Subscription
	stopSync  context.CancelFunc
	closed    bool
	listeners []func(Snapshot)

	events    sync.Mutex // serializes OnChangeEvent
	loading   sync.Mutex // serializes page replacement between LoadMore and Reload
	loads     singleflight.Group
	closeOnce sync.Once
	closeErr  error
}

// New creates a reconciler without a change stream. Use Open to subscribe
// as well.
func New(fetcher Fetcher, opts Options) (*Reconciler, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:    opts,
		fetcher: fetcher,
		ctx:     ctx,
		cancel:  cancel,
		hasMore: true,
		state:   StateEmpty,
	}, nil
}

// Open creates a reconciler and subscribes it to the resource's change
// stream. The subscription is held until Close.
func Open(ctx context.Context, fetcher Fetcher, subscriber Subscriber, opts Options) (*Reconciler, error) {
	r, err := New(fetcher, opts)
	if err != nil {
		return nil, err
	}
	r.subscriber = subscriber

	sub, err := r.subscribe(ctx)
	if err != nil {
		r.cancel()
		return nil, err
	}

	r.mu.Lock()
	r.sub = sub
	r.watchResyncLocked(sub)
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"resource": r.opts.Resource,
		"filter":   r.opts.Filter,
	}).Info("Feed subscribed to change stream")

	return r, nil
}

func (r *Reconciler) subscribe(ctx context.Context) (Subscription, error) {
	return r.subscriber.Subscribe(ctx, r.opts.Resource, r.opts.Filter, r.OnChangeEvent)
}

// Resubscribe releases the current subscription and opens a new one. Used
// when the change stream connection is lost for good.
func (r *Reconciler) Resubscribe(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	old := r.sub
	r.sub = nil
	if r.stopSync != nil {
		r.stopSync()
		r.stopSync = nil
	}
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.WithFields(log.Fields{
				"resource": r.opts.Resource,
				"error":    err,
			}).Warn("Failed to release previous subscription")
		}
	}

	if r.subscriber == nil {
		return nil
	}

	sub, err := r.subscribe(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		// Closed while we were subscribing
		return sub.Close()
	}
	r.sub = sub
	r.watchResyncLocked(sub)
	return nil
}

// watchResyncLocked reloads the feed whenever sub reports lost events
func (r *Reconciler) watchResyncLocked(sub Subscription) {
	resyncer, ok := sub.(Resyncer)
	if !ok {
		return
	}

	ctx, stop := context.WithCancel(r.ctx)
	r.stopSync = stop
	lost := resyncer.Resync()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-lost:
			}

			r.mu.Lock()
			loaded := r.loaded
			r.mu.Unlock()
			if !loaded {
				// The first LoadMore replaces the items anyway
				continue
			}

			feedResyncs.WithLabelValues(r.opts.Resource).Inc()
			log.WithFields(log.Fields{
				"resource": r.opts.Resource,
			}).Warn("Change stream lost events, reloading feed")

			if err := r.Reload(ctx); err != nil && !errors.Is(err, ErrClosed) {
				log.WithFields(log.Fields{
					"resource": r.opts.Resource,
					"error":    err,
				}).Error("Failed to reload feed after lost events")
			}
		}
	}()
}

// LoadMore grows the requested window by one page and replaces the feed
// with the result. Concurrent calls share a single fetch.
func (r *Reconciler) LoadMore(ctx context.Context) error {
	_, err, shared := r.loads.Do("more", func() (interface{}, error) {
		return nil, r.loadMore(ctx)
	})
	if shared {
		feedCoalescedLoads.WithLabelValues(r.opts.Resource).Inc()
	}
	return err
}

func (r *Reconciler) loadMore(ctx context.Context) error {
	r.loading.Lock()
	defer r.loading.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.hasMore {
		r.mu.Unlock()
		return nil
	}
	r.limit += r.opts.PageSize
	limit := r.limit
	previous := len(r.items)
	snap := r.beginLoadLocked()
	r.mu.Unlock()
	r.notify(snap)

	page, err := r.fetch(ctx, limit)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.WithFields(log.Fields{
			"resource": r.opts.Resource,
			"limit":    limit,
		}).Debug("Discarding page fetched after close")
		return nil
	}
	if err != nil {
		// Keep the window where it was so a retry asks for the same page
		r.limit -= r.opts.PageSize
		snap := r.abortLoadLocked()
		r.mu.Unlock()
		r.notify(snap)
		return &FetchError{Resource: r.opts.Resource, Limit: limit, Err: err}
	}

	// The page length equalling the previous feed length means the last
	// fetch brought nothing new
	hasMore := len(page) != previous
	snap = r.replaceLocked(page, hasMore)
	r.mu.Unlock()
	r.notify(snap)

	log.WithFields(log.Fields{
		"resource": r.opts.Resource,
		"limit":    limit,
		"page":     len(page),
		"previous": previous,
		"hasMore":  hasMore,
	}).Info("Loaded feed page")

	return nil
}

// Reload refetches the current window without growing it. It restores
// items whose events were dropped, e.g. while the change stream was down.
func (r *Reconciler) Reload(ctx context.Context) error {
	_, err, _ := r.loads.Do("reload", func() (interface{}, error) {
		return nil, r.reload(ctx)
	})
	return err
}

func (r *Reconciler) reload(ctx context.Context) error {
	r.loading.Lock()
	defer r.loading.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.limit == 0 {
		r.limit = r.opts.PageSize
	}
	limit := r.limit
	snap := r.beginLoadLocked()
	r.mu.Unlock()
	r.notify(snap)

	page, err := r.fetch(ctx, limit)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		snap := r.abortLoadLocked()
		r.mu.Unlock()
		r.notify(snap)
		return &FetchError{Resource: r.opts.Resource, Limit: limit, Err: err}
	}

	// A full window suggests the server holds more than we asked for
	hasMore := len(page) >= limit
	snap = r.replaceLocked(page, hasMore)
	r.mu.Unlock()
	r.notify(snap)

	log.WithFields(log.Fields{
		"resource": r.opts.Resource,
		"limit":    limit,
		"page":     len(page),
	}).Info("Reloaded feed")

	return nil
}

func (r *Reconciler) fetch(ctx context.Context, limit int) ([]models.Item, error) {
	start := time.Now()
	page, err := r.fetcher.FetchPage(ctx, r.opts.Resource, limit, r.opts.Filter)
	feedFetchDuration.WithLabelValues(r.opts.Resource).Observe(time.Since(start).Seconds())

	if err != nil {
		feedFetches.WithLabelValues(r.opts.Resource, "error").Inc()
		log.WithFields(log.Fields{
			"resource": r.opts.Resource,
			"limit":    limit,
			"error":    err,
		}).Error("Failed to fetch feed page")
		return nil, err
	}

	feedFetches.WithLabelValues(r.opts.Resource, "ok").Inc()
	return page, nil
}

func (r *Reconciler) beginLoadLocked() Snapshot {
	r.state = StateLoading
	r.pending = nil
	r.version++
	return r.snapshotLocked()
}

func (r *Reconciler) abortLoadLocked() Snapshot {
	r.pending = nil
	if r.loaded || len(r.items) > 0 {
		r.state = StatePopulated
	} else {
		r.state = StateEmpty
	}
	r.version++
	return r.snapshotLocked()
}

// replaceLocked installs a fetched page and replays the events that
// arrived while it was in flight
func (r *Reconciler) replaceLocked(page []models.Item, hasMore bool) Snapshot {
	items := Normalize(page)
	for _, event := range r.pending {
		items, _ = apply(items, event)
	}

	r.items = items
	r.pending = nil
	r.hasMore = hasMore
	r.loaded = true
	r.state = StatePopulated
	r.version++
	return r.snapshotLocked()
}

// OnChangeEvent applies one event from the change stream. It must be fed
// events in delivery order; calls are serialized internally.
func (r *Reconciler) OnChangeEvent(event models.ChangeEvent) {
	r.events.Lock()
	defer r.events.Unlock()

	if create, ok := event.(models.CreateItemEvent); ok {
		event = r.enrich(create)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	items, result := apply(r.items, event)
	r.items = items
	switch {
	case r.state == StateLoading:
		r.pending = append(r.pending, event)
	case r.state == StateEmpty && len(items) > 0:
		// Live inserts populate a feed before its first page arrives
		r.state = StatePopulated
	}

	var snap Snapshot
	if result == outcomeApplied {
		r.version++
		snap = r.snapshotLocked()
	}
	r.mu.Unlock()

	feedEventsApplied.WithLabelValues(r.opts.Resource, models.EventName(event), string(result)).Inc()

	log.WithFields(log.Fields{
		"resource": r.opts.Resource,
		"event":    models.EventName(event),
		"id":       event.ItemId(),
		"outcome":  result,
	}).Debug("Applied change event")

	if result == outcomeApplied {
		r.notify(snap)
	}
}

// enrich resolves the author of an inserted item that arrived without one.
// A failed lookup leaves a placeholder so the event is never dropped.
func (r *Reconciler) enrich(event models.CreateItemEvent) models.ChangeEvent {
	item := event.Item
	if !r.opts.EnrichAuthors || item.Author != nil || item.AuthorId == "" {
		return event
	}

	r.mu.Lock()
	known := indexOf(r.items, item.Id) >= 0
	r.mu.Unlock()
	if known {
		return event
	}

	author, err := r.fetcher.FetchAuthor(r.ctx, item.AuthorId)
	if err != nil || author == nil {
		feedLookupFailures.WithLabelValues(r.opts.Resource).Inc()
		log.WithFields(log.Fields{
			"resource": r.opts.Resource,
			"id":       item.Id,
			"userId":   item.AuthorId,
			"error":    err,
		}).Warn("Author lookup failed, inserting with placeholder")
		author = &models.Author{Id: item.AuthorId}
	}

	item = item.Clone()
	item.Author = author
	return models.CreateItemEvent{Item: item}
}

// OnUpdate registers a listener called with a new snapshot after every
// change. Listeners run on the goroutine that made the change and must not
// block.
func (r *Reconciler) OnUpdate(listener func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Reconciler) notify(snap Snapshot) {
	r.mu.Lock()
	listeners := append([]func(Snapshot){}, r.listeners...)
	r.mu.Unlock()

	for _, listener := range listeners {
		listener(snap)
	}
}

// Snapshot returns the current feed
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() Snapshot {
	items := append([]models.Item(nil), r.items...)
	if items == nil {
		items = []models.Item{}
	}
	return Snapshot{
		Resource: r.opts.Resource,
		Items:    items,
		HasMore:  r.hasMore,
		State:    r.state,
		Unseen: lo.CountBy(items, func(item models.Item) bool {
			return item.Notification != nil && !item.Notification.Seen
		}),
		Version: r.version,
	}
}

// Items returns the current feed contents
func (r *Reconciler) Items() []models.Item {
	return r.Snapshot().Items
}

func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Resource returns the backend resource this feed reconciles
func (r *Reconciler) Resource() string {
	return r.opts.Resource
}

// Close releases the subscription and discards the feed. Fetches that
// resolve afterwards are dropped. Safe to call more than once.
func (r *Reconciler) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		sub := r.sub
		r.sub = nil
		r.items = nil
		r.pending = nil
		r.listeners = nil
		r.mu.Unlock()

		r.cancel()

		if sub != nil {
			r.closeErr = sub.Close()
		}

		log.WithFields(log.Fields{
			"resource": r.opts.Resource,
		}).Info("Feed closed")
	})
	return r.closeErr
}
