package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSpeedTest(t *testing.T) {
	body := strings.Repeat("x", 64<<10)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer fast.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	defer slow.Close()

	r := NewRanker(testLogger, "", "catalog.json")
	results := r.SpeedTest(context.Background(), []string{slow.URL, fast.URL}, 2)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != fast.URL {
		t.Errorf("expected fast server first, got %s", results[0].URL)
	}
	for i, res := range results {
		if res.LatencyMs < 0 {
			t.Errorf("result[%d] LatencyMs should be non-negative, got %d", i, res.LatencyMs)
		}
		if res.Error != "" {
			t.Errorf("result[%d] unexpected error: %s", i, res.Error)
		}
	}
	if results[0].ThroughputKBps <= results[1].ThroughputKBps {
		t.Errorf("fast server throughput (%f) should be greater than slow (%f)",
			results[0].ThroughputKBps, results[1].ThroughputKBps)
	}
}

func TestSpeedTestProbePath(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := NewRanker(testLogger, "", "/probe/file.bin")
	r.SpeedTest(context.Background(), []string{srv.URL + "/"}, 1)

	want := []string{"HEAD /probe/file.bin", "GET /probe/file.bin"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("requests = %v, want %v", paths, want)
	}
}

func TestSpeedTestWithErrors(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("good response"))
	}))
	defer good.Close()

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer missing.Close()

	// RFC 5737 TEST-NET, guaranteed unreachable
	badURL := "http://192.0.2.1:1"

	r := NewRanker(testLogger, "", "")
	r.client.Timeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	results := r.SpeedTest(ctx, []string{badURL, missing.URL, good.URL}, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].URL != good.URL || results[0].Error != "" {
		t.Errorf("expected good server first without error, got %+v", results[0])
	}
	for _, res := range results[1:] {
		if res.Error == "" {
			t.Errorf("expected error for %s", res.URL)
		}
	}
}

func TestFastest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := NewRanker(testLogger, "", "")
	got, err := r.Fastest(context.Background(), []string{srv.URL})
	if err != nil {
		t.Fatalf("Fastest() error: %v", err)
	}
	if got != srv.URL {
		t.Errorf("Fastest() = %q, want %q", got, srv.URL)
	}

	if _, err := r.Fastest(context.Background(), nil); !errors.Is(err, ErrNoMirror) {
		t.Errorf("expected ErrNoMirror, got %v", err)
	}
}
