package audit

import (
	"context"
	"fmt"
)

// Repository provides read access to the audit trail.
type Repository interface {
	Window(ctx context.Context, filters Filters, limit, offset int) ([]Record, error)
}

// Result wraps one page of records with paging information.
type Result struct {
	Rows   []Record
	Paging PagingInfo
}

// PagingInfo carries simple page metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Service coordinates compliance queries over the audit trail.
type Service struct {
	repo Repository
}

// NewService builds an audit query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Query returns one page of records ordered by timestamp ascending.
func (s *Service) Query(ctx context.Context, filters Filters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.Window(ctx, filters, pageSize+1, offset)
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

// Iterate walks the full matching sequence page by page, calling fn for each
// record in timestamp order. Iteration stops on the first error. The walk is
// restartable: it holds no cursor state beyond the page offset.
func (s *Service) Iterate(ctx context.Context, filters Filters, fn func(Record) error) error {
	filters.Page = 1
	if filters.PageSize <= 0 {
		filters.PageSize = 200
	}
	for {
		result, err := s.Query(ctx, filters)
		if err != nil {
			return err
		}
		for _, rec := range result.Rows {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if !result.Paging.HasNext {
			return nil
		}
		filters.Page = result.Paging.NextPage
	}
}
