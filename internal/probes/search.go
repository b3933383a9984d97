package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/vincentbai/engagetrace/internal/page"
)

// SummaryClass marks the injected summary block.
const SummaryClass = "engagetrace-summary"

// summaryTargets are tried in order; the summary goes at the top of the
// first one present.
var summaryTargets = []string{".search-results-container", "#main", "main", ".site-main", "body"}

// Summarizer produces a short answer for a search query.
type Summarizer interface {
	Summarize(ctx context.Context, query string) (string, error)
}

// Search fires at most once per page load on a search results page with a
// query.
type Search struct {
	QueryParam string
	once       sync.Once
}

func NewSearch() *Search {
	return &Search{QueryParam: "s"}
}

func IsSearchPage(p *page.Page) bool {
	return p.BodyHasClass("search-results") || p.BodyHasClass("search")
}

// Check returns the search_track payload and the query.
func (s *Search) Check(p *page.Page) (map[string]any, string, bool) {
	if !IsSearchPage(p) {
		return nil, "", false
	}
	query := strings.TrimSpace(p.Query(s.QueryParam))
	if query == "" {
		return nil, "", false
	}
	var payload map[string]any
	s.once.Do(func() {
		payload = map[string]any{
			"query":        query,
			"result_count": p.Find("article").Length(),
		}
	})
	return payload, query, payload != nil
}

// InjectSummary requests a summary and places it in the page. Failures are
// logged and leave the page untouched.
func InjectSummary(ctx context.Context, p *page.Page, summarizer Summarizer, query string, logger *zap.Logger) bool {
	if summarizer == nil {
		return false
	}
	summary, err := summarizer.Summarize(ctx, query)
	if err != nil {
		logger.Debug("search summary unavailable", zap.String("query", query), zap.Error(err))
		return false
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return false
	}

	injected := false
	p.Mutate(func(doc *goquery.Document) {
		for _, selector := range summaryTargets {
			target := doc.Find(selector).First()
			if target.Length() == 0 {
				continue
			}
			target.PrependHtml(fmt.Sprintf(`<div class="%s"><p>%s</p></div>`, SummaryClass, html.EscapeString(summary)))
			injected = true
			return
		}
	})
	return injected
}

// HTTPSummarizer calls GET endpoint?q=<query> and reads {"summary": "..."}.
type HTTPSummarizer struct {
	Client   *http.Client
	Endpoint string
	Nonce    string
}

func (h *HTTPSummarizer) Summarize(ctx context.Context, query string) (string, error) {
	endpoint, err := url.Parse(h.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid summary endpoint: %w", err)
	}
	values := endpoint.Query()
	values.Set("q", query)
	endpoint.RawQuery = values.Encode()

	ctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build summary request: %w", err)
	}
	if h.Nonce != "" {
		request.Header.Set("X-Engagetrace-Nonce", h.Nonce)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("summary request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summary endpoint returned %d", response.StatusCode)
	}

	var body struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode summary: %w", err)
	}
	return body.Summary, nil
}
