package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Lookup_ParsesSearchAndDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search/multi":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"id": 42, "title": "JoJo's Bizarre Adventure", "overview": "a story", "release_date": "2012-10-05"},
				},
			})
		case "/movie/42":
			json.NewEncoder(w).Encode(map[string]any{
				"alternative_titles": map[string]any{"titles": []map[string]any{{"title": "ジョジョの奇妙な冒険"}}},
				"keywords":           map[string]any{"keywords": []map[string]any{{"name": "shonen"}}},
				"genres":             []map[string]any{{"name": "Adventure"}},
				"credits": map[string]any{
					"cast": []map[string]any{{"name": "Some Actor"}},
					"crew": []map[string]any{{"name": "Some Director", "job": "Director"}},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "key", 2*time.Second, 100, 10)
	meta, err := client.Lookup(context.Background(), "jojo")
	require.NoError(t, err)

	assert.Equal(t, "JoJo's Bizarre Adventure", meta.Title)
	assert.Equal(t, 2012, meta.ReleaseYear)
	assert.Contains(t, meta.AKA, "ジョジョの奇妙な冒険")
	assert.Contains(t, meta.Keywords, "shonen")
	assert.Contains(t, meta.Genre, "Adventure")
	assert.Contains(t, meta.Actors, "Some Actor")
	assert.Contains(t, meta.Directors, "Some Director")
}

func TestHTTPClient_Lookup_NoResultsReturnsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{}})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "key", 2*time.Second, 100, 10)
	_, err := client.Lookup(context.Background(), "no such title")
	assert.Error(t, err)
}

func TestHTTPClient_Lookup_RetriesOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"id": 1, "title": "Eventually Works"}},
		})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "key", 2*time.Second, 100, 10)
	_, err := client.searchTitle(context.Background(), "flaky")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 3)
}
