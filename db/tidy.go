package db

import (
	"context"
	"cookshare/models"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Tidy removes items older than olderThan. Deletions are published so open
// feeds drop the items too.
func (db *DB) Tidy(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	sb := db.flavor.NewSelectBuilder()
	sb.Select("id", "resource").From("items").Where(sb.LessThan("created_at", cutoff))

	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}

	type expired struct {
		id       int64
		resource string
	}
	var stale []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.resource); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan error: %w", err)
		}
		stale = append(stale, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("query error: %w", err)
	}

	del := db.flavor.NewDeleteBuilder()
	del.DeleteFrom("items").Where(del.LessThan("created_at", cutoff))

	query, args = del.Build()
	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Info("Tidying database")

	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("delete error: %w", err)
	}

	for _, e := range stale {
		db.publish(e.resource, models.DeleteItemEvent{Id: e.id})
	}

	return len(stale), nil
}

// TidyEvery runs Tidy immediately and then on every tick until ctx is done
func (db *DB) TidyEvery(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if removed, err := db.Tidy(ctx, olderThan); err != nil {
			log.Error("Error tidying database: ", err)
		} else {
			log.WithFields(log.Fields{
				"removed": removed,
			}).Info("Tidied database")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
