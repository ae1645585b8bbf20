// Package fetcher retrieves candidate job postings from external sources.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/models"
)

// Fetcher returns a batch of candidate postings in source order.
type Fetcher interface {
	Fetch(ctx context.Context) ([]models.Candidate, error)
}

// New picks the source configured by FETCH_SOURCE.
func New(cfg config.Config) (Fetcher, error) {
	switch cfg.FetchSource {
	case "", "static":
		return NewStatic(), nil
	case "html":
		return NewHTMLBoard(cfg.FetchBoardURL, &http.Client{Timeout: 20 * time.Second}), nil
	default:
		return nil, fmt.Errorf("unknown fetch source %q", cfg.FetchSource)
	}
}

// Static serves a fixed set of postings. It stands in for a real job API in development.
type Static struct {
	postings []models.Candidate
}

func NewStatic() *Static {
	return &Static{postings: samplePostings}
}

func (s *Static) Fetch(ctx context.Context) ([]models.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Candidate, len(s.postings))
	copy(out, s.postings)
	return out, nil
}

var samplePostings = []models.Candidate{
	{
		Title:       "Senior Full Stack Developer",
		Description: "Experienced full stack developer for web applications built on React, Node.js and PostgreSQL. Five or more years of experience and a focus on clean, well tested code.",
		URL:         "https://example.com/jobs/senior-full-stack-developer",
	},
	{
		Title:       "DevOps Engineer",
		Description: "Help scale the platform with Kubernetes, Docker, AWS and CI/CD pipelines. Experience with monitoring and observability tooling is a plus.",
		URL:         "https://example.com/jobs/devops-engineer",
	},
	{
		Title:       "Machine Learning Engineer",
		Description: "Develop and deploy machine learning models with Python, TensorFlow and cloud ML services. NLP or computer vision experience preferred.",
		URL:         "https://example.com/jobs/machine-learning-engineer",
	},
	{
		Title:       "Frontend Developer",
		Description: "Build user interfaces with React, TypeScript and modern CSS frameworks. State management and testing experience required.",
		URL:         "https://example.com/jobs/frontend-developer",
	},
	{
		Title:       "Backend Developer",
		Description: "Build APIs and microservices with Node.js, PostgreSQL and Redis. GraphQL and message queue experience is a plus.",
		URL:         "https://example.com/jobs/backend-developer",
	},
}
