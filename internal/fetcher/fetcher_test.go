package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-scoring-pipeline/internal/config"
)

const boardPage = `<!doctype html>
<html><body>
  <div class="job">
    <h2 class="job-title">  Go   Engineer </h2>
    <p class="job-description">Build queue workers.</p>
    <a href="/jobs/go-engineer">Apply</a>
  </div>
  <div class="job">
    <h2 class="job-title">SRE</h2>
    <a href="https://other.example.com/sre">Apply</a>
  </div>
  <div class="job">
    <h2 class="job-title">Go Engineer (repost)</h2>
    <a href="/jobs/go-engineer">Apply</a>
  </div>
  <div class="job">
    <p>No title here</p>
    <a href="/jobs/untitled">Apply</a>
  </div>
</body></html>`

func TestHTMLBoardFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/board", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(boardPage))
	}))
	defer srv.Close()

	got, err := NewHTMLBoard(srv.URL+"/board", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Go Engineer", got[0].Title)
	assert.Equal(t, "Build queue workers.", got[0].Description)
	assert.Equal(t, srv.URL+"/jobs/go-engineer", got[0].URL)
	assert.Equal(t, "SRE", got[1].Title)
	assert.Equal(t, "https://other.example.com/sre", got[1].URL)
}

func TestHTMLBoardErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTMLBoard(srv.URL, srv.Client()).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestStaticReturnsCopy(t *testing.T) {
	s := NewStatic()
	first, err := s.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 5)
	first[0].Title = "mutated"

	second, err := s.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Senior Full Stack Developer", second[0].Title)
}

func TestNewPicksSource(t *testing.T) {
	f, err := New(config.Config{FetchSource: "static"})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, f)

	f, err = New(config.Config{FetchSource: "html", FetchBoardURL: "https://jobs.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &HTMLBoard{}, f)

	_, err = New(config.Config{FetchSource: "rss"})
	assert.Error(t, err)
}
