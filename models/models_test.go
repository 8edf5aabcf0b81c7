package models_test

import (
	"cookshare/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemMerge(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recipeId := int64(7)
	item := models.Item{
		Id:        4,
		CreatedAt: created,
		AuthorId:  "u1",
		Author:    &models.Author{Id: "u1", Name: "Ana"},
		Post:      &models.Post{Body: "original", File: "img.png", RecipeId: &recipeId, Likes: 3},
	}

	t.Run("payload field", func(t *testing.T) {
		fields, err := models.FieldsOf(map[string]any{"body": "edited"})
		require.NoError(t, err)

		merged, err := item.Merge(fields)
		require.NoError(t, err)

		assert.Equal(t, "edited", merged.Post.Body)
		assert.Equal(t, "img.png", merged.Post.File)
		assert.Equal(t, 3, merged.Post.Likes)
		assert.Equal(t, created, merged.CreatedAt)
		assert.Equal(t, "original", item.Post.Body, "merge must not mutate the source item")
	})

	t.Run("envelope fields", func(t *testing.T) {
		later := created.Add(time.Hour)
		fields, err := models.FieldsOf(map[string]any{"createdAt": later, "userId": "u2", "id": 99})
		require.NoError(t, err)

		merged, err := item.Merge(fields)
		require.NoError(t, err)

		assert.Equal(t, int64(4), merged.Id)
		assert.True(t, later.Equal(merged.CreatedAt))
		assert.Equal(t, "u2", merged.AuthorId)
		assert.Equal(t, &models.Author{Id: "u2"}, merged.Author)
	})

	t.Run("bad value", func(t *testing.T) {
		fields := models.Fields{"likes": []byte(`"many"`)}
		merged, err := item.Merge(fields)
		assert.Error(t, err)
		assert.Equal(t, item, merged)
	})

	t.Run("item without payload", func(t *testing.T) {
		bare := models.Item{Id: 1}
		fields, err := models.FieldsOf(map[string]any{"body": "x"})
		require.NoError(t, err)

		_, err = bare.Merge(fields)
		assert.ErrorIs(t, err, models.ErrUnknownKind)
	})
}

func TestItemMergeWithoutPayload(t *testing.T) {
	item := models.Item{Id: 4, CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	fields, err := models.FieldsOf(map[string]any{"body": "edited"})
	require.NoError(t, err)
	merged, err := item.Merge(fields)
	assert.ErrorIs(t, err, models.ErrUnknownKind)
	assert.Equal(t, item, merged)

	// Metadata alone needs no payload
	fields, err = models.FieldsOf(map[string]any{"userId": "u9"})
	require.NoError(t, err)
	merged, err = item.Merge(fields)
	require.NoError(t, err)
	assert.Equal(t, "u9", merged.AuthorId)
}

func TestKindForResource(t *testing.T) {
	tests := []struct {
		resource string
		expected models.Kind
		wantErr  bool
	}{
		{resource: "posts", expected: models.KindPost},
		{resource: "recipes", expected: models.KindRecipe},
		{resource: "comments", expected: models.KindComment},
		{resource: "notifications", expected: models.KindNotification},
		{resource: "users", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			kind, err := models.KindForResource(tt.resource)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrUnknownKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
			assert.Equal(t, tt.resource, kind.Resource())
		})
	}
}

func TestFilter(t *testing.T) {
	comment := models.Item{Id: 1, AuthorId: "u1", Comment: &models.Comment{PostId: 42, Text: "yum"}}
	notification := models.Item{Id: 2, AuthorId: "u1", Notification: &models.Notification{ReceiverId: "u9"}}

	tests := []struct {
		name     string
		filter   models.Filter
		item     models.Item
		expected bool
	}{
		{name: "empty filter", filter: nil, item: comment, expected: true},
		{name: "author match", filter: models.Filter{"userId": "u1"}, item: comment, expected: true},
		{name: "author mismatch", filter: models.Filter{"userId": "u2"}, item: comment, expected: false},
		{name: "post match", filter: models.Filter{"postId": "42"}, item: comment, expected: true},
		{name: "post on notification", filter: models.Filter{"postId": "42"}, item: notification, expected: false},
		{name: "receiver match", filter: models.Filter{"receiverId": "u9"}, item: notification, expected: true},
		{name: "unknown column", filter: models.Filter{"title": "x"}, item: notification, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter.Matches(tt.item))
		})
	}
}

func TestFilterClauses(t *testing.T) {
	filter := models.Filter{"userId": "u1", "postId": "42"}
	clauses := filter.Clauses()
	assert.Equal(t, []string{"postId=eq.42", "userId=eq.u1"}, clauses)

	parsed, err := models.ParseFilterClauses(clauses)
	require.NoError(t, err)
	assert.Equal(t, filter, parsed)

	_, err = models.ParseFilterClauses([]string{"userId:u1"})
	assert.Error(t, err)

	_, err = models.ParseFilterClauses([]string{"title=eq.x"})
	assert.Error(t, err)
}
