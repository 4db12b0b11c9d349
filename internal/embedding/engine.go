// Package embedding generates vector embeddings for cold-tier indexing.
// Two backends: a local Ollama server and Google GenAI. The engine is
// optional — without one the cold tier degrades to keyword search.
package embedding

import (
	"context"
	"fmt"
	"math"

	"tether/internal/config"
	"tether/internal/logging"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the engine name for logging.
	Name() string
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration. An empty
// provider returns (nil, nil): archival proceeds without vectors.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	switch cfg.Provider {
	case "":
		logging.Embedding("No embedding provider configured; cold tier will use keyword search")
		return nil, nil
	case "ollama":
		logging.Embedding("Initializing Ollama embedding engine: endpoint=%s model=%s",
			cfg.OllamaEndpoint, cfg.OllamaModel)
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		logging.Embedding("Initializing GenAI embedding engine: model=%s", cfg.GenAIModel)
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}

// =============================================================================
// SIMILARITY
// =============================================================================

// CosineSimilarity computes cosine similarity between two vectors of the
// same dimension. Returns 0 on dimension mismatch or zero-magnitude input.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
