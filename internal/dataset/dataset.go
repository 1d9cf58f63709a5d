// Package dataset keeps every submitted telemetry record for later export
// as a training set. Entries are immutable once added.
package dataset

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/pagination"
	"github.com/mbd888/suraksha/internal/telemetry"
)

var (
	ErrNotFound    = errors.New("dataset entry not found")
	ErrInvalidKind = errors.New("invalid challenge kind")
)

// Entry is one stored record.
type Entry struct {
	ID        string           `json:"id"`
	Kind      biometrics.Kind  `json:"kind"`
	CreatedAt time.Time        `json:"createdAt"`
	Record    telemetry.Record `json:"record"`
}

// NewEntry wraps rec with a fresh id. The kind is taken from the record.
func NewEntry(rec telemetry.Record) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Kind:      rec.Kind(),
		CreatedAt: time.Now().UTC(),
		Record:    rec,
	}
}

// Store persists dataset entries. List, ListPage and Clear take an empty
// kind to mean every kind. Listings are newest first and a non-positive
// limit returns everything; ListPage breaks timestamp ties by descending ID.
type Store interface {
	Add(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, kind biometrics.Kind, limit int) ([]*Entry, error)
	// ListPage returns the entries that follow after; nil starts at the newest.
	ListPage(ctx context.Context, kind biometrics.Kind, after *pagination.Cursor, limit int) ([]*Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context, kind biometrics.Kind) (int, error)
}

// ParseKind accepts "", "pin" or "captcha".
func ParseKind(s string) (biometrics.Kind, error) {
	k := biometrics.Kind(s)
	if s == "" || k.Valid() {
		return k, nil
	}
	return "", ErrInvalidKind
}

// Page is one page of a listing.
type Page struct {
	Entries    []*Entry `json:"entries"`
	Count      int      `json:"count"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// ListPage decodes cursor and fetches the next page of at most limit entries.
func ListPage(ctx context.Context, store Store, kind biometrics.Kind, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	if after != nil {
		if _, err := uuid.Parse(after.ID); err != nil {
			return nil, pagination.ErrInvalidCursor
		}
	}
	entries, err := store.ListPage(ctx, kind, after, limit+1)
	if err != nil {
		return nil, err
	}
	entries, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}
	return &Page{Entries: entries, Count: len(entries), NextCursor: next, HasMore: more}, nil
}

// Export writes the entries of kind as a header-plus-rows table in the
// order they were collected.
func Export(ctx context.Context, store Store, kind biometrics.Kind, w io.Writer) (int, error) {
	entries, err := store.List(ctx, kind, 0)
	if err != nil {
		return 0, err
	}
	slices.Reverse(entries)

	records := make([]telemetry.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	if err := telemetry.WriteTable(w, records); err != nil {
		return 0, err
	}
	exportsTotal.WithLabelValues(kindLabel(kind)).Inc()
	return len(records), nil
}

func kindLabel(k biometrics.Kind) string {
	if k == "" {
		return "all"
	}
	return string(k)
}
