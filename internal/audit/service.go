package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxPage bounds the page number so the row offset cannot overflow.
const MaxPage = 1_000_000

// ErrPageOutOfRange is returned for page numbers above MaxPage.
var ErrPageOutOfRange = errors.New("audit: page out of range")

// Result wraps timeline entries with paging information.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}

// Service coordinates reads of the mutation log.
type Service struct {
	log Log
}

// NewService builds a timeline service over the log.
func NewService(log Log) *Service {
	return &Service{log: log}
}

// Timeline returns one page of entries, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.log == nil {
		return Result{}, fmt.Errorf("audit: log not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	if page > MaxPage {
		return Result{}, fmt.Errorf("%w: %d exceeds %d", ErrPageOutOfRange, page, MaxPage)
	}
	offset := (page - 1) * pageSize
	rows, err := s.log.Entries(ctx, Filter{
		Group:  strings.TrimSpace(filters.Group),
		Kind:   filters.Kind,
		Actor:  strings.TrimSpace(filters.Actor),
		From:   filters.From,
		To:     filters.To,
		Limit:  pageSize + 1,
		Offset: offset,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching entry without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Entry, error) {
	if s.log == nil {
		return nil, fmt.Errorf("audit: log not configured")
	}
	return s.log.Entries(ctx, Filter{
		Group: strings.TrimSpace(filters.Group),
		Kind:  filters.Kind,
		Actor: strings.TrimSpace(filters.Actor),
		From:  filters.From,
		To:    filters.To,
	})
}
