package realtime

import (
	"context"
	"cookshare/feeds"
	"cookshare/models"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (r *recorder) record(event models.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.events))
	for _, event := range r.events {
		ids = append(ids, event.ItemId())
	}
	return ids
}

func comment(id, postId int64) models.Item {
	return models.Item{
		Id:        id,
		CreatedAt: time.Date(2024, 3, 1, 12, int(id), 0, 0, time.UTC),
		AuthorId:  "u1",
		Comment:   &models.Comment{PostId: postId, Text: "nice"},
	}
}

func startHub(t *testing.T) (*Hub, string) {
	hub, err := NewHub()
	require.NoError(t, err)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHubDeliversToRemoteSubscriber(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}

		t.Run(name, func(t *testing.T) {
			hub, host := startHub(t)

			client, err := NewClient(Config{Hosts: []string{host}, Compress: compress})
			require.NoError(t, err)

			rec := &recorder{}
			sub, err := client.Subscribe(context.Background(), "comments", models.Filter{"postId": "1"}, rec.record)
			require.NoError(t, err)
			defer sub.Close()

			require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

			fields, err := models.FieldsOf(map[string]any{"text": "edited"})
			require.NoError(t, err)

			hub.Publish("comments", models.CreateItemEvent{Item: comment(1, 1)})
			hub.Publish("comments", models.CreateItemEvent{Item: comment(2, 2)}) // filtered out
			hub.Publish("posts", models.DeleteItemEvent{Id: 9})                  // other resource
			hub.Publish("comments", models.UpdateItemEvent{Id: 1, Fields: fields})
			hub.Publish("comments", models.DeleteItemEvent{Id: 1})

			require.Eventually(t, func() bool { return len(rec.ids()) == 3 }, time.Second, 10*time.Millisecond)
			assert.Equal(t, []int64{1, 1, 1}, rec.ids())

			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.IsType(t, models.CreateItemEvent{}, rec.events[0])
			assert.Equal(t, models.UpdateItemEvent{Id: 1, Fields: fields}, rec.events[1])
			assert.Equal(t, models.DeleteItemEvent{Id: 1}, rec.events[2])
		})
	}
}

func TestHubDeliversToLocalSubscriber(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := hub.Subscribe(context.Background(), "comments", nil, rec.record)
	require.NoError(t, err)

	hub.Publish("comments", models.CreateItemEvent{Item: comment(1, 1)})
	hub.Publish("comments", models.CreateItemEvent{Item: comment(2, 2)})
	require.Eventually(t, func() bool { return len(rec.ids()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, rec.ids())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, hub.ClientCount())

	hub.Publish("comments", models.CreateItemEvent{Item: comment(3, 1)})
	assert.Equal(t, []int64{1, 2}, rec.ids())
}

func TestLocalSubscriberResyncsAfterOverflow(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)
	defer hub.Shutdown()

	release := make(chan struct{})
	var delivered atomic.Int32
	sub, err := hub.Subscribe(context.Background(), "comments", nil, func(models.ChangeEvent) {
		<-release
		delivered.Add(1)
	})
	require.NoError(t, err)
	defer sub.Close()
	resync := sub.(feeds.Resyncer).Resync()

	for i := int64(1); i <= 300; i++ {
		hub.Publish("comments", models.CreateItemEvent{Item: comment(i, 1)})
	}

	// The backlog has not been delivered yet
	select {
	case <-resync:
		t.Fatal("resync signalled before the backlog was delivered")
	default:
	}
	assert.Equal(t, 1, hub.ClientCount(), "local subscribers are not disconnected")

	close(release)
	select {
	case <-resync:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a resync signal once the backlog was delivered")
	}
	assert.GreaterOrEqual(t, delivered.Load(), int32(hubQueueSize))
	assert.Less(t, delivered.Load(), int32(300))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub, host := startHub(t)

	client, err := NewClient(Config{Hosts: []string{host}})
	require.NoError(t, err)

	sub, err := client.Subscribe(context.Background(), "posts", nil, func(models.ChangeEvent) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	hub, host := startHub(t)

	var reconnects, errs atomic.Int32
	client, err := NewClient(Config{
		Hosts:       []string{host},
		OnReconnect: func() { reconnects.Add(1) },
		OnError:     func(error) { errs.Add(1) },
	})
	require.NoError(t, err)

	rec := &recorder{}
	sub, err := client.Subscribe(context.Background(), "posts", nil, rec.record)
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Shutdown()

	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), errs.Load())
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	select {
	case <-sub.(feeds.Resyncer).Resync():
	case <-time.After(time.Second):
		t.Fatal("expected a resync signal after reconnecting")
	}

	hub.Publish("posts", models.DeleteItemEvent{Id: 4})
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestClientFailsOverToNextHost(t *testing.T) {
	hub, host := startHub(t)

	// Nothing listens on port 1
	client, err := NewClient(Config{Hosts: []string{"ws://127.0.0.1:1", host}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.Subscribe(ctx, "posts", nil, func(models.ChangeEvent) {})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeHonorsContext(t *testing.T) {
	client, err := NewClient(Config{Hosts: []string{"ws://127.0.0.1:1"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = client.Subscribe(ctx, "posts", nil, func(models.ChangeEvent) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRequiresHosts(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrNoHosts)
}

func TestSubscribeRejectsUnknownResource(t *testing.T) {
	hub, err := NewHub()
	require.NoError(t, err)

	_, err = hub.Subscribe(context.Background(), "likes", nil, func(models.ChangeEvent) {})
	assert.ErrorIs(t, err, models.ErrUnknownKind)
}
