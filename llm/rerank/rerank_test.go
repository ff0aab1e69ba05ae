package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPProvider_RerankOrdersByScore(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Documents) != 3 {
			t.Errorf("unexpected documents: %v", req.Documents)
		}
		// 故意乱序返回
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 2, "relevance_score": 0.4},
				{"index": 0, "relevance_score": 0.9},
				{"index": 1, "relevance_score": 0.1},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, Model: "bce-reranker-base_v1"})
	indices, err := p.Rerank(context.Background(), "安装步骤", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 2 || indices[2] != 1 {
		t.Fatalf("unexpected order: %v", indices)
	}
}

func TestHTTPProvider_TopNTruncates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 0, "relevance_score": 0.9},
				{"index": 1, "relevance_score": 0.8},
				{"index": 2, "relevance_score": 0.7},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{BaseURL: srv.URL, TopN: 2})
	indices, err := p.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(indices) != 2 {
		t.Fatalf("expected 2 indices, got %v", indices)
	}
}

func TestHTTPProvider_EmptyDocs(t *testing.T) {
	t.Parallel()

	p := NewHTTPProvider(Config{BaseURL: "http://unused"})
	indices, err := p.Rerank(context.Background(), "q", nil)
	if err != nil || indices != nil {
		t.Fatalf("empty docs should short-circuit, got %v %v", indices, err)
	}
}
