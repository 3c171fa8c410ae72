package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a mutation log entry.
type Kind string

// Mutation kinds recorded in the log.
const (
	KindCreateGroup Kind = "create_group"
	KindDeleteGroup Kind = "delete_group"
	KindSetModules  Kind = "set_modules"
)

// Entry is a single append-only mutation record. Before and After hold the
// target group's module set around the mutation.
type Entry struct {
	ID     uuid.UUID `json:"id"`
	At     time.Time `json:"timestamp"`
	Actor  string    `json:"actor"`
	Kind   Kind      `json:"kind"`
	Group  string    `json:"target_group"`
	Before []string  `json:"before"`
	After  []string  `json:"after"`
}

// Filter narrows Entries queries. Zero fields match everything.
type Filter struct {
	Group  string
	Kind   Kind
	Actor  string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Matches reports whether e satisfies the filter predicates (paging ignored).
func (f Filter) Matches(e Entry) bool {
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.From.IsZero() && e.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.At.After(f.To) {
		return false
	}
	return true
}

// Log is the append-only mutation log port.
type Log interface {
	Append(ctx context.Context, entry Entry) error
	// Entries returns matching entries newest first.
	Entries(ctx context.Context, filter Filter) ([]Entry, error)
}

// TimelineFilters holds the paging query for the timeline.
type TimelineFilters struct {
	Group    string
	Kind     Kind
	Actor    string
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PagingInfo stores simple paging metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}
