package embed

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
)

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
//
// The vector dimension is pinned to whatever the first successful call
// returns; later responses with a different dimension are rejected.
type OpenAIEmbedder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retry   errors.RetryConfig

	mu  sync.Mutex
	dim int
}

// NewOpenAIEmbedder builds an embedder from configuration.
func NewOpenAIEmbedder(cfg config.EmbeddingConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeAPIKeyMissing,
			"embedding API key not set (EMBEDDING_API_KEY)", nil)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	retry := errors.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	return &OpenAIEmbedder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout(),
		retry:   retry,
	}, nil
}

// Embed returns the embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request, retrying transient
// failures (connection errors, 429, 5xx) with exponential backoff.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := errors.RetryWithResult(ctx, e.retry, func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, err := e.client.CreateEmbeddings(callCtx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if !isTransient(err) {
				return nil, errors.Permanent(err)
			}
			return nil, err
		}

		if len(resp.Data) != len(texts) {
			return nil, errors.Permanent(fmt.Errorf(
				"embedding response has %d vectors for %d inputs", len(resp.Data), len(texts)))
		}

		out := make([][]float32, len(texts))
		for _, d := range resp.Data {
			out[d.Index] = d.Embedding
		}
		return out, nil
	})
	if err != nil {
		return nil, errors.EmbeddingError(
			fmt.Sprintf("embedding %d texts with %s failed", len(texts), e.model), err)
	}

	if err := e.pinDimension(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// pinDimension records the dimension from the first call and rejects
// any later change.
func (e *OpenAIEmbedder) pinDimension(vecs [][]float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range vecs {
		if e.dim == 0 {
			e.dim = len(v)
			continue
		}
		if len(v) != e.dim {
			return errors.New(errors.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedding dimension changed from %d to %d", e.dim, len(v)), nil)
		}
	}
	return nil
}

// Dimensions returns the pinned dimension, 0 before the first call.
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// Close implements Embedder. The HTTP client needs no shutdown.
func (e *OpenAIEmbedder) Close() error { return nil }

// isTransient reports whether an API error is worth retrying.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	// Connection-level failures arrive as plain errors.
	return true
}
