package embedding

import (
	"math"
	"strings"
	"testing"

	"tether/internal/config"
)

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"scaled", []float32{2, 2, 0}, []float32{1, 1, 0}, 1.0},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("CosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewEngineProviders(t *testing.T) {
	eng, err := NewEngine(config.EmbeddingConfig{Provider: ""})
	if err != nil {
		t.Fatalf("empty provider: %v", err)
	}
	if eng != nil {
		t.Error("empty provider should disable embeddings")
	}

	eng, err = NewEngine(config.EmbeddingConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("ollama provider: %v", err)
	}
	if eng == nil || !strings.HasPrefix(eng.Name(), "ollama:") {
		t.Errorf("expected ollama engine, got %v", eng)
	}

	if _, err := NewEngine(config.EmbeddingConfig{Provider: "magic"}); err == nil {
		t.Error("unknown provider accepted")
	}
}
