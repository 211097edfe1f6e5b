package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ragline-ai/ragline/internal/apperr"
)

// RemoteConfig points at an HTTP embedding service.
type RemoteConfig struct {
	URL       string
	Token     string
	Dimension int
	Timeout   time.Duration
}

// RemoteProvider calls an external embedding service. Transient failures
// retry with exponential backoff inside the request timeout; a 4xx response
// fails immediately.
type RemoteProvider struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote creates a remote provider.
func NewRemote(cfg RemoteConfig) *RemoteProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.Timeout = timeout
	return &RemoteProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	Texts []string `json:"texts"`
}

type remoteResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed posts the batch and validates shape and norms of the response.
func (p *RemoteProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(remoteRequest{Texts: texts})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal embed request", err)
	}

	var vecs [][]float32
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("embed service status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("embed service status %d", resp.StatusCode))
		}

		var out remoteResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		vecs = out.Embeddings
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = p.cfg.Timeout
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, apperr.Wrap(apperr.KindEmbedUnavailable, "remote embed", err)
	}

	if len(vecs) != len(texts) {
		return nil, apperr.Newf(apperr.KindEmbedUnavailable,
			"embed service returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, vec := range vecs {
		if len(vec) != p.cfg.Dimension {
			return nil, apperr.Newf(apperr.KindEmbedUnavailable,
				"vector %d has dimension %d, want %d", i, len(vec), p.cfg.Dimension)
		}
		if err := CheckNormalized(vec); err != nil {
			// Services that skip normalization still interoperate; fix up
			// locally rather than rejecting the batch.
			normalize(vec)
		}
	}
	return vecs, nil
}

// Dimension returns the vector width.
func (p *RemoteProvider) Dimension() int { return p.cfg.Dimension }

// Name identifies the provider in logs and index tags.
func (p *RemoteProvider) Name() string { return "remote" }
