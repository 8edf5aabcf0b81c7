package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownKind = errors.New("unknown item kind")

// Kind names the payload carried by an Item
type Kind string

const (
	KindPost         Kind = "post"
	KindRecipe       Kind = "recipe"
	KindComment      Kind = "comment"
	KindNotification Kind = "notification"
)

var resourceKinds = map[string]Kind{
	"posts":         KindPost,
	"recipes":       KindRecipe,
	"comments":      KindComment,
	"notifications": KindNotification,
}

// KindForResource maps a backend resource (table) name to the kind of items it holds
func KindForResource(resource string) (Kind, error) {
	kind, ok := resourceKinds[resource]
	if !ok {
		return "", fmt.Errorf("%w: resource %q", ErrUnknownKind, resource)
	}
	return kind, nil
}

// Resource is the inverse of KindForResource
func (k Kind) Resource() string {
	for resource, kind := range resourceKinds {
		if kind == k {
			return resource
		}
	}
	return ""
}

// Author is the embedded user record shown next to an item
type Author struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Post is a text or media post, optionally linked to a recipe
type Post struct {
	Body     string `json:"body"`
	File     string `json:"file,omitempty"`
	RecipeId *int64 `json:"recipeId,omitempty"`
	Likes    int    `json:"likes"`
	Comments int    `json:"comments"`
}

type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
}

type Recipe struct {
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	File         string       `json:"file,omitempty"`
	TimePrep     int          `json:"timePrep,omitempty"`
	TimePrepUnit string       `json:"timePrepUnit,omitempty"`
	TimeCook     int          `json:"timeCook,omitempty"`
	TimeCookUnit string       `json:"timeCookUnit,omitempty"`
	Type         string       `json:"type,omitempty"`
	Ingredients  []Ingredient `json:"ingredients,omitempty"`
	Method       string       `json:"method,omitempty"`
	Difficulty   string       `json:"difficulty,omitempty"`
	Diets        []string     `json:"diets,omitempty"`
}

type Comment struct {
	PostId int64  `json:"postId"`
	Text   string `json:"text"`
}

type Notification struct {
	SenderId   string `json:"senderId"`
	ReceiverId string `json:"receiverId"`
	Title      string `json:"title"`
	Data       string `json:"data,omitempty"`
	Seen       bool   `json:"seen"`
}

// Item is the reconciled unit. Exactly one of the payload pointers is set.
type Item struct {
	Id        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	AuthorId  string    `json:"userId"`
	Author    *Author   `json:"user,omitempty"`

	Post         *Post         `json:"post,omitempty"`
	Recipe       *Recipe       `json:"recipe,omitempty"`
	Comment      *Comment      `json:"comment,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Kind reports which payload the item carries
func (i Item) Kind() Kind {
	switch {
	case i.Post != nil:
		return KindPost
	case i.Recipe != nil:
		return KindRecipe
	case i.Comment != nil:
		return KindComment
	case i.Notification != nil:
		return KindNotification
	}
	return ""
}

// Payload returns the set payload as an untyped value
func (i Item) Payload() any {
	switch i.Kind() {
	case KindPost:
		return i.Post
	case KindRecipe:
		return i.Recipe
	case KindComment:
		return i.Comment
	case KindNotification:
		return i.Notification
	}
	return nil
}

// SetPayload decodes raw JSON into a payload of the given kind
func (i *Item) SetPayload(kind Kind, raw []byte) error {
	i.Post, i.Recipe, i.Comment, i.Notification = nil, nil, nil, nil

	var target any
	switch kind {
	case KindPost:
		i.Post = &Post{}
		target = i.Post
	case KindRecipe:
		i.Recipe = &Recipe{}
		target = i.Recipe
	case KindComment:
		i.Comment = &Comment{}
		target = i.Comment
	case KindNotification:
		i.Notification = &Notification{}
		target = i.Notification
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return nil
}

// Clone returns a deep enough copy that mutating the clone's payload or
// author never touches the original
func (i Item) Clone() Item {
	c := i
	if i.Author != nil {
		a := *i.Author
		c.Author = &a
	}
	if i.Post != nil {
		p := *i.Post
		c.Post = &p
	}
	if i.Recipe != nil {
		r := *i.Recipe
		r.Ingredients = append([]Ingredient(nil), i.Recipe.Ingredients...)
		r.Diets = append([]string(nil), i.Recipe.Diets...)
		c.Recipe = &r
	}
	if i.Comment != nil {
		cm := *i.Comment
		c.Comment = &cm
	}
	if i.Notification != nil {
		n := *i.Notification
		c.Notification = &n
	}
	return c
}
