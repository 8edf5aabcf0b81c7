// Package backend talks to a cookshare server over its REST and realtime
// endpoints. A Client can back a feeds.Reconciler directly.
package backend

import (
	"context"
	"cookshare/feeds"
	"cookshare/models"
	"cookshare/realtime"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Config struct {
	// BaseURL of the REST API, e.g. http://localhost:3000
	BaseURL string
	// RealtimeHosts default to BaseURL with a websocket scheme
	RealtimeHosts []string
	Compress      bool
	UserAgent     string
	RetryMax      int
	Timeout       time.Duration

	OnReconnect func()
	OnError     func(error)
}

type Client struct {
	baseURL   string
	userAgent string
	http      *retryablehttp.Client
	realtime  *realtime.Client
}

func New(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", config.BaseURL)
	}

	hosts := config.RealtimeHosts
	if len(hosts) == 0 {
		ws := *base
		ws.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
		hosts = []string{ws.String()}
	}

	rt, err := realtime.NewClient(realtime.Config{
		Hosts:       hosts,
		Compress:    config.Compress,
		UserAgent:   config.UserAgent,
		OnReconnect: config.OnReconnect,
		OnError:     config.OnError,
	})
	if err != nil {
		return nil, err
	}

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = leveledLogger{entry: log.WithField("component", "backend")}
	httpClient.RetryWaitMin = 100 * time.Millisecond
	httpClient.RetryWaitMax = 5 * time.Second
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.RetryMax > 0 {
		httpClient.RetryMax = config.RetryMax
	}
	if config.Timeout > 0 {
		httpClient.HTTPClient.Timeout = config.Timeout
	}

	return &Client{
		baseURL:   base.String(),
		userAgent: config.UserAgent,
		http:      httpClient,
		realtime:  rt,
	}, nil
}

// FetchPage returns the newest limit items of resource matching filter
func (c *Client) FetchPage(ctx context.Context, resource string, limit int, filter models.Filter) ([]models.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	for _, clause := range filter.Clauses() {
		q.Add("filter", clause)
	}

	var items []models.Item
	if err := c.do(ctx, http.MethodGet, "/rest/"+url.PathEscape(resource)+"?"+q.Encode(), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) FetchItem(ctx context.Context, resource string, id int64) (models.Item, error) {
	var item models.Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/rest/%s/%d", url.PathEscape(resource), id), nil, &item)
	return item, err
}

func (c *Client) FetchAuthor(ctx context.Context, id string) (*models.Author, error) {
	var author models.Author
	if err := c.do(ctx, http.MethodGet, "/rest/users/"+url.PathEscape(id), nil, &author); err != nil {
		return nil, err
	}
	return &author, nil
}

// Subscribe opens a realtime subscription for resource
func (c *Client) Subscribe(ctx context.Context, resource string, filter models.Filter, onEvent func(models.ChangeEvent)) (feeds.Subscription, error) {
	return c.realtime.Subscribe(ctx, resource, filter, onEvent)
}

func (c *Client) CreateItem(ctx context.Context, resource string, item models.Item) (models.Item, error) {
	var created models.Item
	err := c.do(ctx, http.MethodPost, "/rest/"+url.PathEscape(resource), item, &created)
	return created, err
}

func (c *Client) UpdateItem(ctx context.Context, resource string, id int64, fields models.Fields) (models.Item, error) {
	var updated models.Item
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/rest/%s/%d", url.PathEscape(resource), id), fields, &updated)
	return updated, err
}

func (c *Client) DeleteItem(ctx context.Context, resource string, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/rest/%s/%d", url.PathEscape(resource), id), nil, nil)
}

func (c *Client) UpsertAuthor(ctx context.Context, author models.Author) error {
	return c.do(ctx, http.MethodPut, "/rest/users/"+url.PathEscape(author.Id), author, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var resp *http.Response
	if method == http.MethodPost {
		// Creates are not idempotent, so they are never retried
		resp, err = c.http.HTTPClient.Do(req.Request)
	} else {
		resp, err = c.http.Do(req)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// leveledLogger routes retryablehttp logs through logrus
type leveledLogger struct {
	entry *log.Entry
}

func (l leveledLogger) with(keysAndValues []interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Info(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}
