package backend_test

import (
	"context"
	"cookshare/backend"
	"cookshare/db"
	"cookshare/feeds"
	"cookshare/models"
	"cookshare/realtime"
	"cookshare/server"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer runs the REST API and the realtime hub on loopback listeners
func startServer(t *testing.T) (*backend.Client, *realtime.Hub) {
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Migrate(db.DriverSQLite, path))

	store, err := db.Open(db.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub, err := realtime.NewHub()
	require.NoError(t, err)
	store.SetPublisher(hub)

	app := server.Server(&server.ServerConfig{Store: store})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)

	hubServer := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		hubServer.Close()
		app.Shutdown()
	})

	client, err := backend.New(backend.Config{
		BaseURL:       "http://" + ln.Addr().String(),
		RealtimeHosts: []string{"ws" + strings.TrimPrefix(hubServer.URL, "http")},
		RetryMax:      1,
	})
	require.NoError(t, err)
	return client, hub
}

func post(body string, minute int) models.Item {
	return models.Item{
		CreatedAt: time.Date(2024, 3, 1, 12, minute, 0, 0, time.UTC),
		AuthorId:  "u1",
		Post:      &models.Post{Body: body},
	}
}

func TestClientRoundTrip(t *testing.T) {
	client, _ := startServer(t)
	ctx := context.Background()

	_, err := client.FetchAuthor(ctx, "u1")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, client.UpsertAuthor(ctx, models.Author{Id: "u1", Name: "Ada"}))
	author, err := client.FetchAuthor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", author.Name)

	created, err := client.CreateItem(ctx, "posts", post("hello", 1))
	require.NoError(t, err)
	require.NotNil(t, created.Author)
	assert.Equal(t, "Ada", created.Author.Name)

	fields, err := models.FieldsOf(map[string]any{"body": "edited"})
	require.NoError(t, err)
	updated, err := client.UpdateItem(ctx, "posts", created.Id, fields)
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Post.Body)

	page, err := client.FetchPage(ctx, "posts", 10, models.Filter{"userId": "u1"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, created.Id, page[0].Id)
	assert.Equal(t, "edited", page[0].Post.Body)

	require.NoError(t, client.DeleteItem(ctx, "posts", created.Id))
	_, err = client.FetchItem(ctx, "posts", created.Id)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	var apiErr *backend.APIError
	_, err = client.FetchPage(ctx, "likes", 10, nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestReconcilerFollowsBackend(t *testing.T) {
	client, hub := startServer(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertAuthor(ctx, models.Author{Id: "u1", Name: "Ada"}))
	for i := 1; i <= 3; i++ {
		_, err := client.CreateItem(ctx, "posts", post("post", i))
		require.NoError(t, err)
	}

	feed, err := feeds.Open(ctx, client, client, feeds.Options{
		Resource:      "posts",
		PageSize:      2,
		EnrichAuthors: true,
	})
	require.NoError(t, err)
	defer feed.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, feed.LoadMore(ctx))
	assert.Len(t, feed.Items(), 2)
	assert.True(t, feed.HasMore())

	latest, err := client.CreateItem(ctx, "posts", post("latest", 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		items := feed.Items()
		return len(items) == 3 && items[0].Id == latest.Id
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Ada", feed.Items()[0].Author.Name)

	require.NoError(t, client.DeleteItem(ctx, "posts", latest.Id))
	require.Eventually(t, func() bool {
		return len(feed.Items()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, feeds.IsOrdered(feed.Items()))
}

func TestClientRetriesReads(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client, err := backend.New(backend.Config{BaseURL: srv.URL, RetryMax: 3})
	require.NoError(t, err)

	page, err := client.FetchPage(context.Background(), "posts", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryCreates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	client, err := backend.New(backend.Config{BaseURL: srv.URL, RetryMax: 3})
	require.NoError(t, err)

	_, err = client.CreateItem(context.Background(), "posts", post("x", 1))
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "busy", apiErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := backend.New(backend.Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
