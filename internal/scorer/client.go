// Package scorer delivers jobs to the external scoring webhook.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/telemetry"
)

const maxErrorBody = 512

type request struct {
	JobID       string `json:"jobId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Client posts scoring requests. A 2xx reply only means the scorer accepted the job;
// the score itself arrives later on the ingestion webhook.
type Client struct {
	url    string
	http   *http.Client
	logger logger.Logger
}

func New(url string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: log,
	}
}

// Score sends the job. Every failure is returned as *apperr.TransientDispatchError.
func (c *Client) Score(ctx context.Context, job models.Job) error {
	body, err := json.Marshal(request{JobID: job.ID, Title: job.Title, Description: job.Description})
	if err != nil {
		return fmt.Errorf("marshal scoring request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return &apperr.TransientDispatchError{JobID: job.ID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("scorer rejected job",
			logger.String("job_id", job.ID),
			logger.Int("status", resp.StatusCode),
			logger.String("body", string(snippet)),
		)
		return &apperr.TransientDispatchError{
			JobID: job.ID,
			Err:   fmt.Errorf("scorer returned %d", resp.StatusCode),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Info("job sent to scorer", logger.String("job_id", job.ID))
	return nil
}
