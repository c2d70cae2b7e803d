package embedclient

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

func TestEmbed_AppliesRolePrefixAndReturnsVectors(t *testing.T) {
	var gotTexts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req inferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTexts = req.Texts
		json.NewEncoder(w).Encode(inferResponse{Embeddings: [][]float32{{1, 0}, {0, 1}}})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Model: "bge-m3", Dim: 2, Timeout: time.Second, QueryPrefix: "query: "})
	vecs, err := c.Embed(context.Background(), []string{"a", "b"}, RoleQuery)
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, []string{"query: a", "query: b"}, gotTexts)
}

func TestEmbed_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(inferResponse{Embeddings: [][]float32{{1}}})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Model: "m", Dim: 1, Timeout: time.Second})
	vecs, err := c.Embed(context.Background(), []string{"x"}, RoleDocument)
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestEmbed_FourOhFourIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(Config{URL: server.URL, Model: "m", Dim: 1, Timeout: time.Second})
	_, err := c.Embed(context.Background(), []string{"x"}, RoleDocument)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestEmbed_QueueDepthExceededFailsBusy(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		json.NewEncoder(w).Encode(inferResponse{Embeddings: [][]float32{{1}}})
	}))
	defer server.Close()
	defer close(block)

	c := New(Config{URL: server.URL, Model: "m", Dim: 1, Timeout: 5 * time.Second, MaxInFlight: 1, QueueDepth: 1})

	done := make(chan struct{})
	go func() {
		c.Embed(context.Background(), []string{"a"}, RoleDocument)
		close(done)
	}()
	go func() {
		c.Embed(context.Background(), []string{"b"}, RoleDocument)
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := c.Embed(context.Background(), []string{"c"}, RoleDocument)
	require.Error(t, err)
	<-done
}
