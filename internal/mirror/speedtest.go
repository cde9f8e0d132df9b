package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/dsmanager/internal/safety"
)

const (
	speedTestTimeout    = 5 * time.Second
	speedTestMaxWorkers = 10
	// probeLimit caps how much of the probe file is read per mirror.
	probeLimit = 4 << 20
)

// ErrNoMirror is returned by Fastest when no mirror answered.
var ErrNoMirror = errors.New("no reachable mirror")

// SpeedResult holds the outcome of a mirror speed test.
type SpeedResult struct {
	URL            string  `json:"url"`
	LatencyMs      int     `json:"latency_ms"`
	ThroughputKBps float64 `json:"throughput_kbps"`
	Error          string  `json:"error,omitempty"`
}

// Ranker measures data mirrors. The probe is a path relative to each mirror
// base that is fetched for the throughput phase; an empty probe fetches the
// base itself.
type Ranker struct {
	client    *http.Client
	logger    *slog.Logger
	userAgent string
	probe     string
}

// NewRanker creates a Ranker.
func NewRanker(logger *slog.Logger, userAgent, probe string) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	if userAgent == "" {
		userAgent = "dsmanager/1.0"
	}
	return &Ranker{
		client:    safety.NewHTTPClient(30 * time.Second),
		logger:    logger,
		userAgent: userAgent,
		probe:     strings.TrimLeft(probe, "/"),
	}
}

// SpeedTest measures latency for every mirror, then throughput for the topN
// fastest responders. Results are sorted by throughput descending with
// errors last.
func (r *Ranker) SpeedTest(ctx context.Context, mirrors []string, topN int) []SpeedResult {
	results := r.measureLatency(ctx, mirrors)

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Error == "") != (results[j].Error == "") {
			return results[i].Error == ""
		}
		return results[i].LatencyMs < results[j].LatencyMs
	})

	var candidates, rest []SpeedResult
	for _, res := range results {
		if res.Error == "" && len(candidates) < topN {
			candidates = append(candidates, res)
			continue
		}
		rest = append(rest, res)
	}

	final := append(r.measureThroughput(ctx, candidates), rest...)
	sort.SliceStable(final, func(i, j int) bool {
		if (final[i].Error == "") != (final[j].Error == "") {
			return final[i].Error == ""
		}
		return final[i].ThroughputKBps > final[j].ThroughputKBps
	})

	for _, res := range final {
		r.logger.Debug("mirror measured", "url", res.URL, "latency_ms", res.LatencyMs, "kbps", res.ThroughputKBps, "error", res.Error)
	}
	return final
}

// Fastest returns the best mirror by throughput.
func (r *Ranker) Fastest(ctx context.Context, mirrors []string) (string, error) {
	if len(mirrors) == 0 {
		return "", ErrNoMirror
	}
	results := r.SpeedTest(ctx, mirrors, 3)
	if len(results) == 0 || results[0].Error != "" {
		return "", ErrNoMirror
	}
	r.logger.Info("selected mirror", "url", results[0].URL, "latency_ms", results[0].LatencyMs)
	return results[0].URL, nil
}

func (r *Ranker) probeURL(base string) string {
	base = strings.TrimRight(base, "/")
	if r.probe == "" {
		return base + "/"
	}
	return base + "/" + r.probe
}

// measureLatency performs concurrent HTTP HEAD requests against each mirror base.
func (r *Ranker) measureLatency(ctx context.Context, mirrors []string) []SpeedResult {
	results := make([]SpeedResult, len(mirrors))
	sem := make(chan struct{}, speedTestMaxWorkers)
	var wg sync.WaitGroup

	for i, m := range mirrors {
		wg.Add(1)
		go func(idx int, base string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, speedTestTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, r.probeURL(base), nil)
			if err != nil {
				results[idx] = SpeedResult{URL: base, Error: err.Error()}
				return
			}
			req.Header.Set("User-Agent", r.userAgent)

			start := time.Now()
			resp, err := r.client.Do(req)
			elapsed := time.Since(start)
			if err != nil {
				results[idx] = SpeedResult{URL: base, LatencyMs: int(elapsed.Milliseconds()), Error: err.Error()}
				return
			}
			resp.Body.Close()

			res := SpeedResult{URL: base, LatencyMs: int(elapsed.Milliseconds())}
			if resp.StatusCode >= 400 {
				res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
			results[idx] = res
		}(i, m)
	}

	wg.Wait()
	return results
}

// measureThroughput performs concurrent HTTP GET requests of the probe file.
func (r *Ranker) measureThroughput(ctx context.Context, candidates []SpeedResult) []SpeedResult {
	results := make([]SpeedResult, len(candidates))
	sem := make(chan struct{}, speedTestMaxWorkers)
	var wg sync.WaitGroup

	for i, c := range candidates {
		wg.Add(1)
		go func(idx int, sr SpeedResult) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			reqCtx, cancel := context.WithTimeout(ctx, speedTestTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.probeURL(sr.URL), nil)
			if err != nil {
				sr.Error = err.Error()
				results[idx] = sr
				return
			}
			req.Header.Set("User-Agent", r.userAgent)

			start := time.Now()
			resp, err := r.client.Do(req)
			if err != nil {
				sr.Error = err.Error()
				results[idx] = sr
				return
			}
			defer resp.Body.Close()

			n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeLimit))
			elapsed := time.Since(start)
			if err != nil {
				sr.Error = err.Error()
				results[idx] = sr
				return
			}

			if elapsed.Seconds() > 0 {
				sr.ThroughputKBps = float64(n) / elapsed.Seconds() / 1024.0
			}
			results[idx] = sr
		}(i, c)
	}

	wg.Wait()
	return results
}
