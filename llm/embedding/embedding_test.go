package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/InternLM/HuixiangDou-sub000/types"
)

func TestResolveKind(t *testing.T) {
	t.Parallel()

	cases := map[string]Kind{
		"bce-embedding-base_v1": KindText,
		"BAAI/bge-m3":           KindText,
		"BAAI/bge-vl-base":      KindVisual,
		"clip-vit-base":         KindVisual,
	}
	for model, want := range cases {
		if got := ResolveKind(model); got != want {
			t.Fatalf("ResolveKind(%q) = %s, want %s", model, got, want)
		}
	}
}

func TestHTTPProvider_EmbedText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 1 || req.Input[0] != "如何安装" {
			t.Errorf("unexpected input: %v", req.Input)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.6, 0.8}}},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Model: "bce-embedding-base_v1", Dimensions: 2})
	vec, err := p.Embed(context.Background(), types.Query{Text: "如何安装"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.6 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestHTTPProvider_RejectsImageOnTextBackend(t *testing.T) {
	t.Parallel()

	p := NewHTTPProvider(Config{BaseURL: "http://unused", Model: "bce-embedding-base_v1"})
	if _, err := p.Embed(context.Background(), types.Query{Image: "/tmp/x.png"}); err == nil {
		t.Fatal("text backend must reject image input")
	}
}

func TestHTTPProvider_DimensionMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Model: "bce", Dimensions: 2})
	if _, err := p.Embed(context.Background(), types.Query{Text: "q"}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
