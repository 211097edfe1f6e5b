package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RerankConfig points at an HTTP cross-encoder service.
type RerankConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Reranker rescores dense hits with an external cross-encoder. Raw model
// scores pass through a sigmoid so downstream always sees [0, 1].
type Reranker struct {
	cfg    RerankConfig
	client *http.Client
}

// NewReranker creates a reranker client.
func NewReranker(cfg RerankConfig) *Reranker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.Timeout = timeout
	return &Reranker{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank reorders ranked by cross-encoder score, descending. Ties fall back
// to the incoming order, which is already deterministic.
func (r *Reranker) Rerank(ctx context.Context, query string, ranked []rankedChunk) ([]rankedChunk, error) {
	if len(ranked) == 0 {
		return ranked, nil
	}

	passages := make([]string, len(ranked))
	for i, rc := range ranked {
		passages[i] = rc.chunk.Text
	}
	payload, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, err
	}

	var scores []float64
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("rerank service status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("rerank service status %d", resp.StatusCode))
		}

		var out rerankResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		scores = out.Scores
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = r.cfg.Timeout
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	if len(scores) != len(ranked) {
		return nil, fmt.Errorf("rerank returned %d scores for %d passages", len(scores), len(ranked))
	}

	out := make([]rankedChunk, len(ranked))
	for i, rc := range ranked {
		out[i] = rankedChunk{chunk: rc.chunk, score: sigmoid(scores[i])}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score > out[j].score
	})
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
