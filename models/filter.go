package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Filter is an equality filter passed through to the backend query and the
// change stream subscription. Keys are the wire column names.
type Filter map[string]string

// Filterable columns and the item values they compare against
var filterColumns = map[string]func(Item) (string, bool){
	"userId": func(i Item) (string, bool) {
		return i.AuthorId, true
	},
	"postId": func(i Item) (string, bool) {
		if i.Comment == nil {
			return "", false
		}
		return strconv.FormatInt(i.Comment.PostId, 10), true
	},
	"receiverId": func(i Item) (string, bool) {
		if i.Notification == nil {
			return "", false
		}
		return i.Notification.ReceiverId, true
	},
}

// FilterColumns lists the keys a Filter may use
func FilterColumns() []string {
	cols := lo.Keys(filterColumns)
	sort.Strings(cols)
	return cols
}

// Validate rejects keys that cannot be filtered on
func (f Filter) Validate() error {
	for key := range f {
		if _, ok := filterColumns[key]; !ok {
			return fmt.Errorf("unsupported filter column %q", key)
		}
	}
	return nil
}

// Matches reports whether every clause of the filter holds for the item
func (f Filter) Matches(item Item) bool {
	for key, want := range f {
		value, ok := filterColumns[key]
		if !ok {
			return false
		}
		got, ok := value(item)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Clauses encodes the filter as sorted "column=eq.value" strings
func (f Filter) Clauses() []string {
	clauses := lo.MapToSlice(f, func(key, value string) string {
		return fmt.Sprintf("%s=eq.%s", key, value)
	})
	sort.Strings(clauses)
	return clauses
}

// ParseFilterClauses is the inverse of Filter.Clauses
func ParseFilterClauses(clauses []string) (Filter, error) {
	if len(clauses) == 0 {
		return nil, nil
	}

	filter := make(Filter, len(clauses))
	for _, clause := range clauses {
		key, value, ok := strings.Cut(clause, "=eq.")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed filter clause %q", clause)
		}
		filter[key] = value
	}

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return filter, nil
}
