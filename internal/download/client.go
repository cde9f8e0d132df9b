package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BadgerOps/dsmanager/internal/safety"
)

// ErrOffline is returned by StartDownload for network sources while the
// client is in offline mode.
var ErrOffline = errors.New("offline mode: network downloads are disabled")

// DefaultProgressInterval bounds how often progress callbacks fire.
const DefaultProgressInterval = 250 * time.Millisecond

// maxErrorBody caps how much of a failed response body is kept on HTTPError.
const maxErrorBody = 64 << 10

// ProgressSample is a throttled snapshot of a running transfer.
type ProgressSample struct {
	BytesRead  int64
	BytesTotal int64 // 0 when the size is unknown
	Percent    float64
	Speed      float64 // bytes per second since the previous sample
}

// Outcome is the terminal state of a transfer.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is delivered exactly once per transfer through the onDone callback.
type Result struct {
	Outcome  Outcome
	Err      error // set when Outcome is Failed
	Bytes    int64 // size of the temp file when the transfer ended
	Resumed  bool  // the server honoured a range request
	Duration time.Duration
}

// Handle is returned by StartDownload and lets the caller abort the transfer.
type Handle struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	finished  bool
	done      chan struct{}
}

// Cancel aborts the transfer. The terminal callback reports Cancelled. Calls
// after the first, or after the transfer finished, do nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.finished || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed after the terminal callback has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// finish marks the handle terminal, turning any result into Cancelled if
// Cancel won the race.
func (h *Handle) finish(res Result) Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	if h.cancelled {
		res.Outcome = Cancelled
		res.Err = context.Canceled
	}
	return res
}

// Options configures a Client.
type Options struct {
	UserAgent        string
	ProgressInterval time.Duration
	Offline          bool
}

// Client performs resumable single-file transfers into temp files.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	interval   time.Duration
	offline    bool
}

// NewClient creates a new download client with the given logger.
func NewClient(logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "dsmanager/1.0"
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout: dataset bodies can take hours. Cancel goes
			// through the request context.
		},
		logger:    logger,
		userAgent: opts.UserAgent,
		interval:  opts.ProgressInterval,
		offline:   opts.Offline,
	}
}

// StartDownload begins fetching rawURL into destTempPath on its own goroutine
// and returns immediately. An existing file at destTempPath is resumed with a
// range request. onProgress may be nil; onDone is always called exactly once
// unless an error is returned here.
func (c *Client) StartDownload(rawURL, destTempPath string, onProgress func(ProgressSample), onDone func(Result)) (*Handle, error) {
	u, err := safety.ValidateSourceURL(rawURL)
	if err != nil {
		return nil, err
	}
	if c.offline && u.Scheme != "file" {
		return nil, ErrOffline
	}
	if dir := filepath.Dir(destTempPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		start := time.Now()
		var res Result
		if u.Scheme == "file" {
			res = c.copyLocal(ctx, u.Path, destTempPath, onProgress)
		} else {
			res = c.fetch(ctx, rawURL, destTempPath, onProgress)
		}
		res.Duration = time.Since(start)
		res = h.finish(res)

		switch res.Outcome {
		case Succeeded:
			c.logger.Info("download complete", "url", rawURL, "bytes", res.Bytes, "resumed", res.Resumed, "duration", res.Duration)
		case Cancelled:
			c.logger.Info("download cancelled", "url", rawURL, "bytes", res.Bytes)
		default:
			c.logger.Warn("download failed", "url", rawURL, "bytes", res.Bytes, "error", res.Err)
		}
		if onDone != nil {
			onDone(res)
		}
	}()

	return h, nil
}

// fetch runs the HTTP transfer. A 416 on a resume request discards the
// partial file and starts over once.
func (c *Client) fetch(ctx context.Context, rawURL, dest string, onProgress func(ProgressSample)) Result {
	res, err := c.fetchAttempt(ctx, rawURL, dest, onProgress)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		c.logger.Warn("range not satisfiable, restarting download", "url", rawURL, "path", dest)
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			return failed(res, fmt.Errorf("removing stale partial file: %w", rmErr))
		}
		res, err = c.fetchAttempt(ctx, rawURL, dest, onProgress)
	}
	if err != nil {
		return failed(res, err)
	}
	res.Outcome = Succeeded
	return res
}

func (c *Client) fetchAttempt(ctx context.Context, rawURL, dest string, onProgress func(ProgressSample)) (Result, error) {
	var res Result

	offset := int64(0)
	if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return res, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		res.Bytes = offset
		return res, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, maxErrorBody)
		res.Bytes = offset
		return res, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	// 206 means the server honoured the range and we append; anything else
	// is the full body and the partial file is rewritten from zero.
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
		res.Resumed = true
	} else {
		if offset > 0 {
			c.logger.Info("server ignored range request, restarting from zero", "url", rawURL, "discarded", offset)
		}
		flags |= os.O_TRUNC
		offset = 0
	}

	file, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return res, fmt.Errorf("failed to open file: %w", err)
	}

	total := int64(0)
	if resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	n, err := c.copyWithProgress(ctx, file, resp.Body, offset, total, onProgress)
	closeErr := file.Close()
	res.Bytes = offset + n
	if err != nil {
		return res, err
	}
	if closeErr != nil {
		return res, fmt.Errorf("failed to close file: %w", closeErr)
	}
	if total > 0 && res.Bytes != total {
		return res, fmt.Errorf("short transfer: got %d bytes, expected %d", res.Bytes, total)
	}
	return res, nil
}

// copyLocal copies a file:// source into the temp path. Local copies never
// resume.
func (c *Client) copyLocal(ctx context.Context, src, dest string, onProgress func(ProgressSample)) Result {
	var res Result

	in, err := os.Open(src)
	if err != nil {
		return failed(res, fmt.Errorf("opening local source: %w", err))
	}
	defer in.Close()

	total := int64(0)
	if fi, err := in.Stat(); err == nil {
		total = fi.Size()
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return failed(res, fmt.Errorf("failed to open file: %w", err))
	}
	n, err := c.copyWithProgress(ctx, out, in, 0, total, onProgress)
	closeErr := out.Close()
	res.Bytes = n
	if err != nil {
		return failed(res, err)
	}
	if closeErr != nil {
		return failed(res, fmt.Errorf("failed to close file: %w", closeErr))
	}
	res.Outcome = Succeeded
	return res
}

// copyWithProgress streams src into dst and returns the number of bytes
// written in this call. A final sample with BytesRead == BytesTotal is always
// emitted on success.
func (c *Client) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, offset, total int64, onProgress func(ProgressSample)) (int64, error) {
	pr := &progressReader{
		ctx:      ctx,
		reader:   src,
		callback: onProgress,
		interval: c.interval,
		current:  offset,
		total:    total,
		lastTime: time.Now(),
		lastSent: offset,
	}
	n, err := io.Copy(dst, pr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("failed to write to file: %w", err)
	}
	pr.flush()
	return n, nil
}

func failed(res Result, err error) Result {
	res.Outcome = Failed
	res.Err = err
	return res
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// progressReader wraps a reader, aborts on context cancellation and emits
// throttled progress samples.
type progressReader struct {
	ctx      context.Context
	reader   io.Reader
	callback func(ProgressSample)
	interval time.Duration
	current  int64
	total    int64
	lastTime time.Time
	lastSent int64
	sentTot  int64
	emitted  bool
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if now := time.Now(); now.Sub(pr.lastTime) >= pr.interval {
			pr.emit(now)
		}
	}
	return n, err
}

// flush emits the closing sample. Unknown totals are pinned to the final
// byte count so observers always see 100%.
func (pr *progressReader) flush() {
	if pr.total <= 0 || pr.current > pr.total {
		pr.total = pr.current
	}
	if pr.emitted && pr.lastSent == pr.current && pr.sentTot == pr.total {
		return
	}
	pr.emit(time.Now())
}

func (pr *progressReader) emit(now time.Time) {
	if pr.callback == nil {
		return
	}
	sample := ProgressSample{
		BytesRead:  pr.current,
		BytesTotal: pr.total,
	}
	if elapsed := now.Sub(pr.lastTime).Seconds(); elapsed > 0 {
		sample.Speed = float64(pr.current-pr.lastSent) / elapsed
	}
	if pr.total > 0 {
		sample.Percent = float64(pr.current) / float64(pr.total) * 100
	}
	pr.lastTime = now
	pr.lastSent = pr.current
	pr.sentTot = pr.total
	pr.emitted = true
	pr.callback(sample)
}
