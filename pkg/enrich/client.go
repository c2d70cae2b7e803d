package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// HTTPClient is the default Client: a rate-limited, retrying REST lookup
// against a TMDB-shaped search+details API. The limiter is shared across
// every call the worker makes, since the upstream API enforces one global
// requests-per-second budget regardless of which source triggered the
// lookup.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
}

// NewHTTPClient builds a client rate-limited to ratePerSecond requests
// with the given burst allowance.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, burst int) *HTTPClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 4
	}
	if burst <= 0 {
		burst = 4
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxRetries: 3,
	}
}

type searchResponse struct {
	Results []struct {
		ID          int    `json:"id"`
		Title       string `json:"title"`
		Overview    string `json:"overview"`
		PosterPath  string `json:"poster_path"`
		ReleaseDate string `json:"release_date"`
		GenreIDs    []int  `json:"genre_ids"`
	} `json:"results"`
}

type detailsResponse struct {
	AlternativeTitles struct {
		Titles []struct {
			Title string `json:"title"`
		} `json:"titles"`
	} `json:"alternative_titles"`
	Keywords struct {
		Keywords []struct {
			Name string `json:"name"`
		} `json:"keywords"`
	} `json:"keywords"`
	Genres []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Credits struct {
		Cast []struct {
			Name string `json:"name"`
		} `json:"cast"`
		Crew []struct {
			Name string `json:"name"`
			Job  string `json:"job"`
		} `json:"crew"`
	} `json:"credits"`
}

// Lookup runs a title search followed by a details fetch for the first
// hit, waiting on the shared rate limiter before each call and retrying
// 429/5xx responses with exponential backoff.
func (c *HTTPClient) Lookup(ctx context.Context, title string) (Metadata, error) {
	search, err := c.searchTitle(ctx, title)
	if err != nil {
		return Metadata{}, err
	}
	if len(search.Results) == 0 {
		return Metadata{}, errkind.New(errkind.NotFound, fmt.Sprintf("no match for %q", title))
	}
	top := search.Results[0]

	details, err := c.fetchDetails(ctx, top.ID)
	if err != nil {
		return Metadata{}, err
	}

	meta := Metadata{
		Title:      top.Title,
		Plot:       top.Overview,
		PosterPath: top.PosterPath,
	}
	if len(top.ReleaseDate) >= 4 {
		if year, err := strconv.Atoi(top.ReleaseDate[:4]); err == nil {
			meta.ReleaseYear = year
		}
	}
	for _, t := range details.AlternativeTitles.Titles {
		meta.AKA = append(meta.AKA, t.Title)
	}
	for _, k := range details.Keywords.Keywords {
		meta.Keywords = append(meta.Keywords, k.Name)
	}
	for _, g := range details.Genres {
		meta.Genre = append(meta.Genre, g.Name)
	}
	for _, member := range details.Credits.Cast {
		meta.Actors = append(meta.Actors, member.Name)
	}
	for _, member := range details.Credits.Crew {
		if member.Job == "Director" {
			meta.Directors = append(meta.Directors, member.Name)
		}
	}
	return meta, nil
}

func (c *HTTPClient) searchTitle(ctx context.Context, title string) (searchResponse, error) {
	query := url.Values{"query": {title}}
	var out searchResponse
	err := c.getJSON(ctx, "/search/multi", query, &out)
	return out, err
}

func (c *HTTPClient) fetchDetails(ctx context.Context, id int) (detailsResponse, error) {
	query := url.Values{"append_to_response": {"alternative_titles,keywords,credits"}}
	var out detailsResponse
	err := c.getJSON(ctx, fmt.Sprintf("/movie/%d", id), query, &out)
	return out, err
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errkind.Wrap(errkind.Internal, "rate limiter wait", err)
	}

	query.Set("api_key", c.apiKey)
	fullURL := c.baseURL + path + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body, retryable, err := c.doOnce(ctx, fullURL)
		if err == nil {
			return json.Unmarshal(body, dest)
		}
		lastErr = err
		if !retryable {
			return errkind.Wrap(errkind.Internal, "enrichment lookup", err)
		}
		backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errkind.Wrap(errkind.Internal, "enrichment lookup retries exhausted", lastErr)
}

func (c *HTTPClient) doOnce(ctx context.Context, fullURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("http %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, false, nil
}
