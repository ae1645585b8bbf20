package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/models"
)

const (
	defaultTake = 50
	maxTake     = 100
)

// parseJobFilter reads the listing query string:
// status (comma separated), minScore, maxScore, startDate, endDate, search, skip, take.
func parseJobFilter(r *http.Request) (models.JobFilter, error) {
	q := r.URL.Query()
	f := models.JobFilter{
		Search: strings.TrimSpace(q.Get("search")),
		Skip:   parseQueryInt(r, "skip", 0, 0),
		Take:   parseQueryInt(r, "take", defaultTake, maxTake),
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, models.Status(s))
			}
		}
	}

	var err error
	if f.MinScore, err = scoreParam(q.Get("minScore"), "minScore"); err != nil {
		return f, err
	}
	if f.MaxScore, err = scoreParam(q.Get("maxScore"), "maxScore"); err != nil {
		return f, err
	}
	if f.StartDate, err = dateParam(q.Get("startDate"), "startDate", false); err != nil {
		return f, err
	}
	if f.EndDate, err = dateParam(q.Get("endDate"), "endDate", true); err != nil {
		return f, err
	}
	return f, nil
}

func scoreParam(v, name string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 10 {
		return nil, apperr.Invalid(name, "must be an integer between 1 and 10")
	}
	return &n, nil
}

// dateParam accepts RFC 3339 timestamps or plain dates. A plain end date covers the whole day.
func dateParam(v, name string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, apperr.Invalid(name, "must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// parseQueryInt parses an integer query parameter with default and max values.
func parseQueryInt(r *http.Request, key string, defaultValue, maxValue int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		return defaultValue
	}
	if maxValue > 0 && val > maxValue {
		return maxValue
	}
	return val
}
