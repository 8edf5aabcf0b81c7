package server

import (
	"cookshare/feeds"
	"sync"

	log "github.com/sirupsen/logrus"
)

type sseClient struct {
	feed      string
	snapshots chan feeds.Snapshot
}

// Broadcaster fans feed snapshots out to SSE clients
type Broadcaster struct {
	sync.RWMutex
	clients map[string]*sseClient
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*sseClient),
	}
}

// Broadcast hands snapshot to every client of feed. A client that has not
// consumed its previous snapshot gets the newer one instead.
func (b *Broadcaster) Broadcast(feed string, snapshot feeds.Snapshot) {
	b.RLock()
	defer b.RUnlock()

	for key, client := range b.clients {
		if client.feed != feed {
			continue
		}

		select {
		case client.snapshots <- snapshot: // Non-blocking send
			continue
		default:
		}

		// Replace the stale snapshot
		select {
		case <-client.snapshots:
		default:
		}
		select {
		case client.snapshots <- snapshot:
		default:
			log.Warnf("Client channel full, skipping snapshot for client: %v", key)
		}
	}
}

// AddClient registers a client for feed
func (b *Broadcaster) AddClient(key, feed string, snapshots chan feeds.Snapshot) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = &sseClient{feed: feed, snapshots: snapshots}
	log.WithFields(log.Fields{
		"key":   key,
		"feed":  feed,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

// RemoveClient closes the client's channel and forgets it
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	client, ok := b.clients[key]
	if !ok {
		return
	}
	close(client.snapshots)
	delete(b.clients, key)

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) ClientCount() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client.snapshots)
		delete(b.clients, key)
	}
}
