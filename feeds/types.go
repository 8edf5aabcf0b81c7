// Package feeds reconciles paginated fetches and live change events into a
// single ordered, deduplicated list of items.
package feeds

import (
	"context"
	"cookshare/models"
	"errors"
	"fmt"
)

const DefaultPageSize = 10

var (
	// ErrFetchFailed is matched by every error LoadMore and Reload return
	// when the backend fetch fails
	ErrFetchFailed = errors.New("fetch failed")

	// ErrClosed is returned by operations on a reconciler that has been closed
	ErrClosed = errors.New("feed reconciler closed")
)

// Fetcher is the query side of the backend
type Fetcher interface {
	// FetchPage returns the newest limit items of resource, newest first
	FetchPage(ctx context.Context, resource string, limit int, filter models.Filter) ([]models.Item, error)

	// FetchAuthor resolves the user record embedded in items
	FetchAuthor(ctx context.Context, id string) (*models.Author, error)
}

// Subscriber opens a live change stream for a resource. onEvent is called
// from a single goroutine in delivery order.
type Subscriber interface {
	Subscribe(ctx context.Context, resource string, filter models.Filter, onEvent func(models.ChangeEvent)) (Subscription, error)
}

// Subscription is a handle to an open change stream. Close is idempotent.
type Subscription interface {
	Close() error
}

// Resyncer is implemented by subscriptions that can lose events, after a
// reconnect or when the subscriber falls behind. Resync yields once the
// stream has caught up again; the feed is refetched when it does.
type Resyncer interface {
	Resync() <-chan struct{}
}

// State of a reconciler. Populated feeds additionally report HasMore.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StatePopulated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StatePopulated:
		return "populated"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "empty":
		*s = StateEmpty
	case "loading":
		*s = StateLoading
	case "populated":
		*s = StatePopulated
	default:
		return fmt.Errorf("unknown feed state %q", text)
	}
	return nil
}

// Options configure a single feed instance
type Options struct {
	Resource string
	Filter   models.Filter

	// PageSize is added to the requested limit on every LoadMore
	PageSize int

	// EnrichAuthors resolves the author of inserted items that arrive
	// without an embedded user record
	EnrichAuthors bool
}

func (o Options) withDefaults() (Options, error) {
	if o.Resource == "" {
		o.Resource = "posts"
	}
	if _, err := models.KindForResource(o.Resource); err != nil {
		return o, err
	}
	if err := o.Filter.Validate(); err != nil {
		return o, err
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	return o, nil
}

// Snapshot is a read-only view of a feed. Items must not be mutated.
type Snapshot struct {
	Resource string        `json:"resource"`
	Items    []models.Item `json:"items"`
	HasMore  bool          `json:"hasMore"`
	State    State         `json:"state"`
	Unseen   int           `json:"unseen,omitempty"`

	// Version increases with every change so listeners can drop stale snapshots
	Version uint64 `json:"version"`
}

// FetchError wraps a failed page fetch
type FetchError struct {
	Resource string
	Limit    int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed for %s (limit %d): %v", e.Resource, e.Limit, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}
