package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"job-scoring-pipeline/internal/models"
)

const defaultTake = 50

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListJobs returns a page of the tenant's jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, tenantID string, f models.JobFilter) ([]models.Job, error) {
	query, args, err := listJobsQuery(tenantID, f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return s.collectJobs(rows)
}

// CountJobsFiltered returns the number of jobs the filter matches, ignoring paging.
func (s *Store) CountJobsFiltered(ctx context.Context, tenantID string, f models.JobFilter) (int, error) {
	query, args, err := applyFilter(psql.Select("COUNT(*)").From("jobs"), tenantID, f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count filtered jobs: %w", err)
	}
	return n, nil
}

func listJobsQuery(tenantID string, f models.JobFilter) sq.SelectBuilder {
	take := f.Take
	if take <= 0 {
		take = defaultTake
	}
	skip := f.Skip
	if skip < 0 {
		skip = 0
	}
	return applyFilter(psql.Select(jobColumns).From("jobs"), tenantID, f).
		OrderBy("created_at DESC").
		Limit(uint64(take)).
		Offset(uint64(skip))
}

func applyFilter(b sq.SelectBuilder, tenantID string, f models.JobFilter) sq.SelectBuilder {
	b = b.Where(sq.Eq{"tenant_id": tenantID})
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			statuses = append(statuses, string(st))
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	if f.MinScore != nil {
		b = b.Where(sq.GtOrEq{"score": *f.MinScore})
	}
	if f.MaxScore != nil {
		b = b.Where(sq.LtOrEq{"score": *f.MaxScore})
	}
	if f.StartDate != nil {
		b = b.Where(sq.GtOrEq{"created_at": *f.StartDate})
	}
	if f.EndDate != nil {
		b = b.Where(sq.LtOrEq{"created_at": *f.EndDate})
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		b = b.Where(sq.Or{
			sq.ILike{"title": pattern},
			sq.ILike{"description": pattern},
			sq.ILike{"url": pattern},
		})
	}
	return b
}
