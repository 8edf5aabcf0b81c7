package db

import (
	"context"
	"cookshare/models"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

func (db *DB) selectItems() *sqlbuilder.SelectBuilder {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(itemColumns...).From("items")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "users", "users.id = items.user_id")
	return sb
}

// FetchPage returns the newest limit items of resource matching filter,
// ordered by creation time then id, both descending
func (db *DB) FetchPage(ctx context.Context, resource string, limit int, filter models.Filter) ([]models.Item, error) {
	if _, err := models.KindForResource(resource); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}

	sb := db.selectItems()
	sb.Where(sb.Equal("items.resource", resource))

	for key, value := range filter {
		col, ok := filterColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported filter column %q", key)
		}
		arg, err := col.convert(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for filter %q: %w", key, err)
		}
		sb.Where(sb.Equal(col.column, arg))
	}

	sb.OrderBy("items.created_at DESC", "items.id DESC")
	sb.Limit(limit)

	sql, args := sb.Build()
	log.WithFields(log.Fields{
		"sql":  sql,
		"args": args,
	}).Debug("Generated SQL query")

	start := time.Now()
	rows, err := db.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	items := make([]models.Item, 0, limit)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	log.WithFields(log.Fields{
		"resource": resource,
		"limit":    limit,
		"count":    len(items),
		"latency":  time.Since(start),
	}).Debug("Fetched page")

	return items, nil
}

// FetchItem returns a single item of resource
func (db *DB) FetchItem(ctx context.Context, resource string, id int64) (models.Item, error) {
	return db.fetchItem(ctx, db.db, resource, id)
}

func (db *DB) fetchItem(ctx context.Context, q querier, resource string, id int64) (models.Item, error) {
	sb := db.selectItems()
	sb.Where(sb.Equal("items.resource", resource), sb.Equal("items.id", id))

	query, args := sb.Build()
	item, err := scanItem(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, fmt.Errorf("%s %d: %w", resource, id, ErrNotFound)
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("query error: %w", err)
	}
	return item, nil
}

// FetchAuthor returns the user record for id
func (db *DB) FetchAuthor(ctx context.Context, id string) (*models.Author, error) {
	return db.fetchAuthor(ctx, db.db, id)
}

func (db *DB) fetchAuthor(ctx context.Context, q querier, id string) (*models.Author, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("id", "name", "image").From("users").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var author models.Author
	err := q.QueryRowContext(ctx, query, args...).Scan(&author.Id, &author.Name, &author.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return &author, nil
}

// CountUnseen returns how many notifications addressed to receiverId are unseen
func (db *DB) CountUnseen(ctx context.Context, receiverId string) (int, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("items.payload").From("items")
	sb.Where(
		sb.Equal("items.resource", models.KindNotification.Resource()),
		sb.Equal("items.receiver_id", receiverId),
	)

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return 0, fmt.Errorf("scan error: %w", err)
		}
		var item models.Item
		if err := item.SetPayload(models.KindNotification, []byte(payload)); err != nil {
			return 0, err
		}
		if !item.Notification.Seen {
			count++
		}
	}
	return count, rows.Err()
}
