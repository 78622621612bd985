package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func embedServer(t *testing.T, dims int, failures int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		if calls <= failures {
			http.Error(w, "model loading", http.StatusInternalServerError)
			return
		}
		vec := make([]float64, dims)
		for i := range vec {
			vec[i] = 0.1
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestEmbed(t *testing.T) {
	srv, _ := embedServer(t, 4, 0)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	emb, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb) != 4 {
		t.Errorf("Expected 4 dimensions, got %d", len(emb))
	}
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	srv, calls := embedServer(t, 4, 2)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	if _, err := c.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed failed despite retries: %v", err)
	}
	if *calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", *calls)
	}
}

func TestEmbedGivesUpAfterRetries(t *testing.T) {
	srv, _ := embedServer(t, 4, 100)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	if _, err := c.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("Expected failure after exhausting retries")
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv, _ := embedServer(t, 8, 0)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	_, err := c.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "dimension") {
		t.Errorf("Expected dimension mismatch error, got %v", err)
	}
}

func TestEmbedRespectsContextCancellation(t *testing.T) {
	srv, _ := embedServer(t, 4, 100)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Embed(ctx, "hello"); err == nil {
		t.Fatal("Expected error with cancelled context")
	}
}

func TestEmbedBatch(t *testing.T) {
	srv, calls := embedServer(t, 4, 0)
	c := NewClient(srv.URL, "nomic-embed-text", 4, 5*time.Second)

	out, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(out) != 3 || *calls != 3 {
		t.Errorf("Expected 3 embeddings from 3 calls, got %d from %d", len(out), *calls)
	}
}

func TestDefaults(t *testing.T) {
	c := NewClient("", "", 0, 0)
	if c.Dimensions() != 768 {
		t.Errorf("Expected default 768 dimensions, got %d", c.Dimensions())
	}
}
