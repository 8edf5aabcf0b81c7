package db

import (
	"context"
	"cookshare/models"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

var ErrNotFound = errors.New("not found")

// Publisher receives every change committed through DB
type Publisher interface {
	Publish(resource string, event models.ChangeEvent)
}

// DB handles all item and user storage with a shared connection pool
type DB struct {
	db        *sql.DB
	driver    string
	flavor    sqlbuilder.Flavor
	publisher Publisher
}

// Open connects to a sqlite file or a postgres URL. Run Migrate first.
func Open(driver, dsn string) (*DB, error) {
	f, err := flavor(driver)
	if err != nil {
		return nil, err
	}

	conn, err := connection(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	return &DB{db: conn, driver: driver, flavor: f}, nil
}

// SetPublisher routes committed changes to p
func (db *DB) SetPublisher(p Publisher) {
	db.publisher = p
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) publish(resource string, event models.ChangeEvent) {
	if db.publisher != nil {
		db.publisher.Publish(resource, event)
	}
}

// Filter keys and the columns they select on. postId is stored as an integer.
var filterColumns = map[string]struct {
	column  string
	convert func(string) (any, error)
}{
	"userId":     {column: "items.user_id", convert: asString},
	"postId":     {column: "items.post_id", convert: asInt},
	"receiverId": {column: "items.receiver_id", convert: asString},
}

func asString(v string) (any, error) { return v, nil }

func asInt(v string) (any, error) {
	return strconv.ParseInt(v, 10, 64)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

var itemColumns = []string{
	"items.id",
	"items.resource",
	"items.created_at",
	"items.user_id",
	"items.payload",
	"users.name",
	"users.image",
}

func scanItem(row scanner) (models.Item, error) {
	var (
		item      models.Item
		resource  string
		createdAt int64
		payload   string
		name      sql.NullString
		image     sql.NullString
	)

	if err := row.Scan(&item.Id, &resource, &createdAt, &item.AuthorId, &payload, &name, &image); err != nil {
		return models.Item{}, err
	}

	kind, err := models.KindForResource(resource)
	if err != nil {
		return models.Item{}, err
	}
	if err := item.SetPayload(kind, []byte(payload)); err != nil {
		return models.Item{}, fmt.Errorf("item %d: %w", item.Id, err)
	}

	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	if name.Valid {
		item.Author = &models.Author{Id: item.AuthorId, Name: name.String, Image: image.String}
	}

	return item, nil
}

// columns derives the denormalized filter columns stored next to the payload
func columns(item models.Item) (postId, receiverId any) {
	if item.Comment != nil {
		postId = item.Comment.PostId
	}
	if item.Notification != nil {
		receiverId = item.Notification.ReceiverId
	}
	return postId, receiverId
}

func encodePayload(item models.Item) (string, error) {
	payload, err := json.Marshal(item.Payload())
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(payload), nil
}
