package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPoolPreservesRequestOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "content for ", r.URL.Path)
	}))
	defer srv.Close()

	var requests []Request
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("testos-%d-x86_64-minimal.iso", i)
		content := []byte("content for /" + name)
		requests = append(requests, Request{
			CanonicalName:  name,
			URLs:           []string{srv.URL + "/" + name},
			ChecksumAlgo:   "sha256",
			ChecksumDigest: sha256hex(content),
		})
	}

	pool := NewPool(NewClient(t.TempDir(), fastPolicy(), nil), 3, nil)
	results := pool.Execute(context.Background(), requests)

	if len(results) != len(requests) {
		t.Fatalf("got %d results for %d requests", len(results), len(requests))
	}
	for i, r := range results {
		if r.Request.CanonicalName != requests[i].CanonicalName {
			t.Errorf("result %d is for %q, want %q", i, r.Request.CanonicalName, requests[i].CanonicalName)
		}
		if r.Err != nil {
			t.Errorf("request %d failed: %v", i, r.Err)
		}
	}
}

func TestPoolIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.iso" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "good")
	}))
	defer srv.Close()

	good := []byte("good")
	requests := []Request{
		{CanonicalName: "a-1-x86_64-minimal.iso", URLs: []string{srv.URL + "/a.iso"}, ChecksumAlgo: "sha256", ChecksumDigest: sha256hex(good)},
		{CanonicalName: "b-1-x86_64-minimal.iso", URLs: []string{srv.URL + "/missing.iso"}, ChecksumAlgo: "sha256", ChecksumDigest: sha256hex(good)},
		{CanonicalName: "c-1-x86_64-minimal.iso", URLs: []string{srv.URL + "/c.iso"}, ChecksumAlgo: "sha256", ChecksumDigest: sha256hex(good)},
	}

	pool := NewPool(NewClient(t.TempDir(), fastPolicy(), nil), 2, nil)
	results := pool.Execute(context.Background(), requests)

	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy downloads failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[1].Err == nil {
		t.Error("expected the missing image to fail")
	}
	if results[1].Staged != nil {
		t.Error("failed result should not carry a staged file")
	}
}

func TestPoolEmptyBatch(t *testing.T) {
	pool := NewPool(NewClient(t.TempDir(), fastPolicy(), nil), 2, nil)
	if results := pool.Execute(context.Background(), nil); len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
