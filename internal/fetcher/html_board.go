package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"job-scoring-pipeline/internal/models"
)

// Selectors locate postings on a job board page.
type Selectors struct {
	Posting     string
	Title       string
	Description string
	Link        string
}

// DefaultSelectors match boards that mark each posting with a .job element.
var DefaultSelectors = Selectors{
	Posting:     ".job, [data-job]",
	Title:       ".job-title, h2, h3",
	Description: ".job-description, .description, p",
	Link:        "a[href]",
}

// HTMLBoard scrapes postings from a single HTML job board page.
type HTMLBoard struct {
	client    *http.Client
	boardURL  string
	selectors Selectors
}

func NewHTMLBoard(boardURL string, client *http.Client) *HTMLBoard {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTMLBoard{client: client, boardURL: boardURL, selectors: DefaultSelectors}
}

// WithSelectors overrides the default selectors.
func (b *HTMLBoard) WithSelectors(s Selectors) *HTMLBoard {
	b.selectors = s
	return b
}

// Fetch returns postings in page order. Postings without a title or link are skipped,
// and a link seen twice on the page is kept once.
func (b *HTMLBoard) Fetch(ctx context.Context) ([]models.Candidate, error) {
	base, err := url.Parse(b.boardURL)
	if err != nil {
		return nil, fmt.Errorf("parse board url: %w", err)
	}
	doc, err := b.fetchDocument(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Candidate
	seen := map[string]struct{}{}
	doc.Find(b.selectors.Posting).Each(func(_ int, s *goquery.Selection) {
		title := clean(s.Find(b.selectors.Title).First().Text())
		href, ok := s.Find(b.selectors.Link).First().Attr("href")
		if !ok {
			// the posting element itself may be the link
			href, ok = s.Attr("href")
		}
		if title == "" || !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		link := base.ResolveReference(ref).String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		out = append(out, models.Candidate{
			Title:       title,
			Description: clean(s.Find(b.selectors.Description).First().Text()),
			URL:         link,
		})
	})
	return out, nil
}

func (b *HTMLBoard) fetchDocument(ctx context.Context) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.boardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "job-scoring-pipeline/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request board: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("job board returned %s", resp.Status)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
