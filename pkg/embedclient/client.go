// Package embedclient implements the Embedding Client:
// batched embed/classify calls against a remote HTTP inference service,
// with bounded exponential backoff retry, a max-in-flight cap, and an
// optional local GGUF fallback (pkg/localllm) reporting a distinct
// embedding_version so the state store never treats local and remote
// vectors as interchangeable.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/hermesindex/hermesindex/pkg/errkind"
)

// Role selects the retrieval-tuned prefix applied to input text.
type Role string

const (
	RoleQuery    Role = "query"
	RoleDocument Role = "document"
)

// Client is the remote HTTP embedding client. It owns the max-in-flight
// semaphore: over-cap callers queue up to a bounded depth, then fail
// EMBED_BUSY rather than block indefinitely.
type Client struct {
	httpClient     *http.Client
	url            string
	model          string
	dim            int
	timeout        time.Duration
	queryPrefix    string
	documentPrefix string
	maxBatch       int

	sem       chan struct{}
	queueCap  int
	queueSize *int32Counter
}

// Config mirrors the config.Embedding fields this client consumes.
type Config struct {
	URL            string
	Model          string
	Dim            int
	Timeout        time.Duration
	QueryPrefix    string
	DocumentPrefix string
	MaxBatch       int
	MaxInFlight    int
	QueueDepth     int
}

func New(cfg Config) *Client {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 32
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 64
	}
	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		url:            cfg.URL,
		model:          cfg.Model,
		dim:            cfg.Dim,
		timeout:        cfg.Timeout,
		queryPrefix:    cfg.QueryPrefix,
		documentPrefix: cfg.DocumentPrefix,
		maxBatch:       maxBatch,
		sem:            make(chan struct{}, maxInFlight),
		queueCap:       queueDepth,
		queueSize:      newInt32Counter(),
	}
}

func (c *Client) Dimensions() int { return c.dim }

func (c *Client) prefixFor(role Role) string {
	if role == RoleQuery {
		return c.queryPrefix
	}
	return c.documentPrefix
}

type inferRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type inferResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type classifyRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type classifyResponse struct {
	Scores []float32 `json:"scores"`
}

// acquire enters the in-flight semaphore, queuing up to queueCap callers;
// beyond that it fails fast with EMBED_BUSY
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if c.queueSize.load() >= int32(c.queueCap) {
		return nil, errkind.New(errkind.EmbedBusy, "embedding client queue depth exceeded")
	}
	c.queueSize.inc()
	defer c.queueSize.dec()

	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Cancelled, "embed acquire", ctx.Err())
	}
}

// Embed batches texts up to maxBatch per HTTP call, applying role's
// prefix, retrying transient failures with bounded exponential backoff.
func (c *Client) Embed(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	prefix := c.prefixFor(role)
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = prefix + t
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(prefixed); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(prefixed) {
			end = len(prefixed)
		}
		chunk, err := c.embedChunkWithRetry(ctx, prefixed[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *Client) embedChunkWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	const maxAttempts = 4
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.Cancelled, "embed retry", ctx.Err())
			}
		}

		vectors, err, retryable := c.doEmbed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, errkind.Wrap(errkind.EmbedUnavailable, "embed after retries", lastErr)
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error, bool) {
	body, err := json.Marshal(inferRequest{Model: c.model, Texts: texts})
	if err != nil {
		return nil, err, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err, true // network errors are transient
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed service %d: %s", resp.StatusCode, data), true
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed service %d: %s", resp.StatusCode, data), false
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err, false
	}
	return out.Embeddings, nil, false
}

// Classify returns an NSFW score in [0,1] per text.
func (c *Client) Classify(ctx context.Context, texts []string) ([]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := json.Marshal(classifyRequest{Model: c.model, Texts: texts})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.EmbedUnavailable, "classify", err)
	}
	defer resp.Body.Close()

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errkind.Wrap(errkind.EmbedUnavailable, "classify decode", err)
	}
	return out.Scores, nil
}

// int32Counter is a tiny mutex-guarded counter for tracking queued
// callers; sync/atomic isn't used here since the queue-depth check and
// decrement aren't a single atomic op group, and a mutex keeps that
// grouping obviously correct.
type int32Counter struct {
	mu  sync.Mutex
	val int32
}

func newInt32Counter() *int32Counter { return &int32Counter{} }

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *int32Counter) dec() {
	c.mu.Lock()
	c.val--
	c.mu.Unlock()
}

func (c *int32Counter) load() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}
