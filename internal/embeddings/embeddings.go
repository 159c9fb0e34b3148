// Package embeddings defines the Embedder capability interface the core
// depends on, plus a default OpenAI-backed implementation.
//
// Grounded on the teacher's internal/embeddings/openai.go for the
// interface shape and the rate limiter / cache pattern.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"ragspace/internal/circuitbreaker"
	"ragspace/internal/errors"
)

// Embedder is the capability interface the ingestion and retrieval
// pipelines depend on. Production code calls the real OpenAI-backed
// client; tests swap in an in-memory fake.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// RateLimiter is a simple token-bucket limiter, ported from the
// teacher's embeddings.RateLimiter.
type RateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter allowing maxTokens requests,
// refilling one token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

func (rl *RateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if add := int(elapsed / rl.refillRate); add > 0 {
		rl.tokens = min(rl.maxTokens, rl.tokens+add)
		rl.lastRefill = now
	}
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// OpenAIEmbedder implements Embedder via OpenAI's embeddings API, with
// an in-memory cache keyed by (model, text) and a per-minute rate
// limiter.
type OpenAIEmbedder struct {
	client      *openai.Client
	cache       map[string][]float32
	cacheMu     sync.RWMutex
	rateLimiter *RateLimiter
	cb          *circuitbreaker.Breaker
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder. rpm <= 0 defaults to 60.
func NewOpenAIEmbedder(apiKey string, rpm int) *OpenAIEmbedder {
	if rpm <= 0 {
		rpm = 60
	}
	refill := time.Minute / time.Duration(rpm)
	return &OpenAIEmbedder{
		client:      openai.NewClient(apiKey),
		cache:       make(map[string][]float32),
		rateLimiter: NewRateLimiter(rpm, refill),
		cb:          circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for text under model, fatal on
// failure to the caller (the ingestion pipeline treats the dimension
// probe call as fatal; per-chunk embed failures propagate as Upstream).
func (e *OpenAIEmbedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	key := cacheKey(model, text)

	e.cacheMu.RLock()
	if cached, ok := e.cache[key]; ok {
		e.cacheMu.RUnlock()
		return cached, nil
	}
	e.cacheMu.RUnlock()

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, errors.Upstream("embeddings.embed", "rate limiter wait failed", err)
	}

	var resp openai.EmbeddingResponse
	err := e.cb.Execute(ctx, func(ctx context.Context) error {
		var apiErr error
		resp, apiErr = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(model),
		})
		return apiErr
	})
	if err != nil {
		return nil, errors.Upstream("embeddings.embed", "openai embeddings call failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.Upstream("embeddings.embed", "openai returned no embedding data", nil)
	}

	vec := resp.Data[0].Embedding

	e.cacheMu.Lock()
	e.cache[key] = vec
	e.cacheMu.Unlock()

	return vec, nil
}
