package db

import (
	"context"
	"cookshare/models"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const writeTimeout = 30 * time.Second

const commentNotificationTitle = "commented on your post"

// change is an event held back until its transaction commits
type change struct {
	resource string
	event    models.ChangeEvent
}

func (db *DB) publishAll(changes []change) {
	for _, c := range changes {
		db.publish(c.resource, c.event)
	}
}

// CreateItem stores item under resource and publishes the insert. The stored
// item is returned with its assigned id and embedded author.
//
// A new comment also bumps its post's comment count and, when someone other
// than the post owner wrote it, notifies the owner. Those writes commit with
// the comment and are published after it.
func (db *DB) CreateItem(ctx context.Context, resource string, item models.Item) (models.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	kind, err := models.KindForResource(resource)
	if err != nil {
		return models.Item{}, err
	}
	if item.Kind() != kind {
		return models.Item{}, fmt.Errorf("%w: %s item cannot be stored as %s", models.ErrUnknownKind, item.Kind(), resource)
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC().Truncate(time.Millisecond)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, err
	}
	defer tx.Rollback()

	item, err = db.insertItem(ctx, tx, resource, item)
	if err != nil {
		return models.Item{}, err
	}
	changes := []change{{resource, models.CreateItemEvent{Item: item.Clone()}}}

	if kind == models.KindComment {
		related, err := db.commentCreated(ctx, tx, item)
		if err != nil {
			return models.Item{}, err
		}
		changes = append(changes, related...)
	}

	if err := tx.Commit(); err != nil {
		return models.Item{}, fmt.Errorf("commit error: %w", err)
	}

	log.WithFields(log.Fields{
		"resource": resource,
		"id":       item.Id,
		"userId":   item.AuthorId,
	}).Info("Created item")

	db.publishAll(changes)
	return item, nil
}

// insertItem writes a new row and returns item with its id and author set
func (db *DB) insertItem(ctx context.Context, q querier, resource string, item models.Item) (models.Item, error) {
	payload, err := encodePayload(item)
	if err != nil {
		return models.Item{}, err
	}
	postId, receiverId := columns(item)

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("items").
		Cols("resource", "created_at", "user_id", "post_id", "receiver_id", "payload").
		Values(resource, item.CreatedAt.UnixMilli(), item.AuthorId, postId, receiverId, payload)
	ib.SQL("RETURNING id")

	query, args := ib.Build()
	if err := q.QueryRowContext(ctx, query, args...).Scan(&item.Id); err != nil {
		return models.Item{}, fmt.Errorf("insert error: %w", err)
	}

	item.Author = nil
	if item.AuthorId != "" {
		author, err := db.fetchAuthor(ctx, q, item.AuthorId)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return models.Item{}, err
		}
		item.Author = author
	}
	return item, nil
}

// storeItem overwrites the row of an existing item
func (db *DB) storeItem(ctx context.Context, q querier, resource string, item models.Item) error {
	payload, err := encodePayload(item)
	if err != nil {
		return err
	}
	postId, receiverId := columns(item)

	ub := db.flavor.NewUpdateBuilder()
	ub.Update("items").
		Set(
			ub.Assign("created_at", item.CreatedAt.UnixMilli()),
			ub.Assign("user_id", item.AuthorId),
			ub.Assign("post_id", postId),
			ub.Assign("receiver_id", receiverId),
			ub.Assign("payload", payload),
		).
		Where(ub.Equal("id", item.Id), ub.Equal("resource", resource))

	query, args := ub.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}

// commentCreated counts the comment on its post and notifies the post owner.
// Comments on posts that no longer exist are stored without side effects.
func (db *DB) commentCreated(ctx context.Context, q querier, comment models.Item) ([]change, error) {
	posts := models.KindPost.Resource()
	post, err := db.fetchItem(ctx, q, posts, comment.Comment.PostId)
	if errors.Is(err, ErrNotFound) {
		log.WithFields(log.Fields{
			"id":     comment.Id,
			"postId": comment.Comment.PostId,
		}).Warn("Comment refers to an unknown post")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	counted, err := db.countComments(ctx, q, post, 1)
	if err != nil {
		return nil, err
	}
	changes := []change{counted}

	if post.AuthorId == "" || post.AuthorId == comment.AuthorId {
		return changes, nil
	}

	data, err := json.Marshal(map[string]int64{"postId": post.Id, "commentId": comment.Id})
	if err != nil {
		return nil, err
	}
	notifications := models.KindNotification.Resource()
	notification, err := db.insertItem(ctx, q, notifications, models.Item{
		CreatedAt: comment.CreatedAt,
		AuthorId:  comment.AuthorId,
		Notification: &models.Notification{
			SenderId:   comment.AuthorId,
			ReceiverId: post.AuthorId,
			Title:      commentNotificationTitle,
			Data:       string(data),
		},
	})
	if err != nil {
		return nil, err
	}

	return append(changes, change{notifications, models.CreateItemEvent{Item: notification.Clone()}}), nil
}

// countComments moves a post's comment count by delta, never below zero
func (db *DB) countComments(ctx context.Context, q querier, post models.Item, delta int) (change, error) {
	posts := models.KindPost.Resource()
	updated := post.Clone()
	updated.Post.Comments = max(0, post.Post.Comments+delta)
	if err := db.storeItem(ctx, q, posts, updated); err != nil {
		return change{}, err
	}

	fields, err := models.FieldsOf(map[string]any{"comments": updated.Post.Comments})
	if err != nil {
		return change{}, err
	}
	return change{posts, models.UpdateItemEvent{Id: post.Id, Fields: fields}}, nil
}

// UpdateItem merges fields into the stored item and publishes the update.
// A createdAt change is published as stored: UTC with millisecond precision.
func (db *DB) UpdateItem(ctx context.Context, resource string, id int64, fields models.Fields) (models.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if _, err := models.KindForResource(resource); err != nil {
		return models.Item{}, err
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, err
	}
	defer tx.Rollback()

	current, err := db.fetchItem(ctx, tx, resource, id)
	if err != nil {
		return models.Item{}, err
	}

	updated, err := current.Merge(fields)
	if err != nil {
		return models.Item{}, err
	}
	updated.CreatedAt = updated.CreatedAt.UTC().Truncate(time.Millisecond)

	if err := db.storeItem(ctx, tx, resource, updated); err != nil {
		return models.Item{}, err
	}

	if updated.AuthorId != current.AuthorId {
		updated.Author = nil
		if updated.AuthorId != "" {
			author, err := db.fetchAuthor(ctx, tx, updated.AuthorId)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return models.Item{}, err
			}
			updated.Author = author
		}
	}

	published, err := normalizeFields(fields, updated)
	if err != nil {
		return models.Item{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Item{}, fmt.Errorf("commit error: %w", err)
	}

	log.WithFields(log.Fields{
		"resource": resource,
		"id":       id,
		"fields":   len(fields),
	}).Info("Updated item")

	db.publish(resource, models.UpdateItemEvent{Id: id, Fields: published})
	return updated, nil
}

// normalizeFields rewrites a createdAt change to the value that was stored
func normalizeFields(fields models.Fields, stored models.Item) (models.Fields, error) {
	_, camel := fields["createdAt"]
	_, snake := fields["created_at"]
	if !camel && !snake {
		return fields, nil
	}

	normalized := make(models.Fields, len(fields))
	for key, raw := range fields {
		normalized[key] = raw
	}
	delete(normalized, "created_at")

	createdAt, err := json.Marshal(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode createdAt: %w", err)
	}
	normalized["createdAt"] = createdAt
	return normalized, nil
}

// DeleteItem removes an item and publishes the delete. Deleting a comment
// lowers its post's comment count.
func (db *DB) DeleteItem(ctx context.Context, resource string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	kind, err := models.KindForResource(resource)
	if err != nil {
		return err
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var postId int64
	if kind == models.KindComment {
		comment, err := db.fetchItem(ctx, tx, resource, id)
		if err != nil {
			return err
		}
		postId = comment.Comment.PostId
	}

	del := db.flavor.NewDeleteBuilder()
	del.DeleteFrom("items").Where(del.Equal("id", id), del.Equal("resource", resource))

	query, args := del.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %d: %w", resource, id, ErrNotFound)
	}

	changes := []change{{resource, models.DeleteItemEvent{Id: id}}}
	if kind == models.KindComment {
		post, err := db.fetchItem(ctx, tx, models.KindPost.Resource(), postId)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			counted, err := db.countComments(ctx, tx, post, -1)
			if err != nil {
				return err
			}
			changes = append(changes, counted)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}

	log.WithFields(log.Fields{
		"resource": resource,
		"id":       id,
	}).Info("Deleted item")

	db.publishAll(changes)
	return nil
}

// UpsertAuthor creates or replaces a user record
func (db *DB) UpsertAuthor(ctx context.Context, author models.Author) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if author.Id == "" {
		return errors.New("user id is required")
	}

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("users").Cols("id", "name", "image").Values(author.Id, author.Name, author.Image)
	ib.SQL("ON CONFLICT (id) DO UPDATE SET name = excluded.name, image = excluded.image")

	query, args := ib.Build()
	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert error: %w", err)
	}
	return nil
}
