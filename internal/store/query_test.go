package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-scoring-pipeline/internal/models"
)

func TestListJobsQueryDefaults(t *testing.T) {
	query, args, err := listJobsQuery("t-1", models.JobFilter{}).ToSql()
	require.NoError(t, err)

	assert.Equal(t, "SELECT "+jobColumns+" FROM jobs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 50 OFFSET 0", query)
	assert.Equal(t, []interface{}{"t-1"}, args)
}

func TestListJobsQueryAllFilters(t *testing.T) {
	min, max := 6, 9
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query, args, err := listJobsQuery("t-1", models.JobFilter{
		UserID:    "u-1",
		Statuses:  []models.Status{models.StatusQueued, models.StatusScored},
		MinScore:  &min,
		MaxScore:  &max,
		StartDate: &start,
		EndDate:   &end,
		Search:    "golang",
		Skip:      20,
		Take:      10,
	}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, query, "status IN ($3,$4)")
	assert.Contains(t, query, "score >= $5")
	assert.Contains(t, query, "score <= $6")
	assert.Contains(t, query, "(title ILIKE $9 OR description ILIKE $10 OR url ILIKE $11)")
	assert.Contains(t, query, "LIMIT 10 OFFSET 20")
	assert.Equal(t, []interface{}{"t-1", "u-1", "queued", "scored", 6, 9, start, end, "%golang%", "%golang%", "%golang%"}, args)
}

func TestCountQueryIgnoresPaging(t *testing.T) {
	query, _, err := applyFilter(psql.Select("COUNT(*)").From("jobs"), "t-1", models.JobFilter{Skip: 5, Take: 5}).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, query, "LIMIT")
	assert.NotContains(t, query, "OFFSET")
}
