package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// HashEmbedder produces a deterministic embedding of the configured dimension
// from the content alone. It is the fallback of last resort: every persisted
// engram must carry an embedding even when the embedding service is down.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder constructs the deterministic fallback embedder.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed expands a SHA-256 stream over the text into a unit-normalised vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dim)
	var sum [32]byte
	counter := uint32(0)
	var norm float64
	for i := 0; i < h.dim; i++ {
		if i%8 == 0 {
			var seed bytes.Buffer
			seed.WriteString(text)
			_ = binary.Write(&seed, binary.LittleEndian, counter)
			sum = sha256.Sum256(seed.Bytes())
			counter++
		}
		word := binary.LittleEndian.Uint32(sum[(i%8)*4 : (i%8)*4+4])
		// Map to [-1, 1).
		out[i] = float32(int32(word)) / float32(math.MaxInt32)
		norm += float64(out[i]) * float64(out[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= inv
		}
	}
	return out, nil
}

// HTTPEmbedder calls an external embedding endpoint:
// POST {"input": <text>} -> {"embedding": [..]} or {"error": "..."}.
type HTTPEmbedder struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewHTTPEmbedder constructs an embedder against the configured endpoint.
func NewHTTPEmbedder(baseURL string, dim int) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		dim:     dim,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *HTTPEmbedder) Dimension() int { return e.dim }

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{"input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Embedding []float32 `json:"embedding"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("embedding endpoint error: %s", parsed.Error)
	}
	if len(parsed.Embedding) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: want %d, got %d", e.dim, len(parsed.Embedding))
	}
	return parsed.Embedding, nil
}

// GuardedEmbedder wraps a primary embedder with a circuit breaker and falls
// back to the deterministic hash embedder on failure or open circuit.
// Embedding-service errors are never surfaced to callers.
type GuardedEmbedder struct {
	primary  gateway.Embedder
	fallback *HashEmbedder
	breaker  *gobreaker.CircuitBreaker
	logger   logging.Logger
}

// NewGuardedEmbedder builds the production embedder stack. When primary is
// nil (no embedding_url configured) every call takes the hash path.
func NewGuardedEmbedder(primary gateway.Embedder, dim int) *GuardedEmbedder {
	g := &GuardedEmbedder{
		primary:  primary,
		fallback: NewHashEmbedder(dim),
		logger:   logging.NewComponentLogger("Embedder"),
	}
	g.ResetBreaker()
	return g
}

// ResetBreaker recreates the circuit breaker; the health watcher calls this
// during healing to untrip a stuck circuit.
func (g *GuardedEmbedder) ResetBreaker() {
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func (g *GuardedEmbedder) Dimension() int { return g.fallback.Dimension() }

func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.primary == nil {
		return g.fallback.Embed(ctx, text)
	}
	result, err := g.breaker.Execute(func() (any, error) {
		return g.primary.Embed(ctx, text)
	})
	if err != nil {
		g.logger.Warn("embedding service unavailable, using hash fallback: %v", err)
		return g.fallback.Embed(ctx, text)
	}
	vec, ok := result.([]float32)
	if !ok || len(vec) != g.fallback.Dimension() {
		return g.fallback.Embed(ctx, text)
	}
	return vec, nil
}
