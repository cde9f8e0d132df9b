package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/download"
	"github.com/BadgerOps/dsmanager/internal/store"
)

// MirrorPlaceholder is replaced by the configured mirror base in source URLs.
const MirrorPlaceholder = "@mirror-url@"

// spaceFactor is the free space required per archive byte: the archive
// itself plus its extracted contents.
const spaceFactor = 2.5

var (
	ErrJobActive         = errors.New("a download for this dataset is already active")
	ErrUnknownDataset    = errors.New("unknown dataset")
	ErrBaseData          = errors.New("base data cannot be removed")
	ErrIncompatible      = errors.New("dataset requires a newer application version")
	ErrInsufficientSpace = errors.New("not enough free disk space")
	ErrNoSource          = errors.New("dataset has no source URL")
	ErrClosed            = errors.New("orchestrator is closed")
)

// Transferer starts a single resumable transfer.
type Transferer interface {
	StartDownload(url, destTempPath string, onProgress func(download.ProgressSample), onDone func(download.Result)) (*download.Handle, error)
}

// Verifier checks an artifact against its expected digest.
type Verifier interface {
	Verify(path, expectedHex string) (bool, string, error)
}

// Extractor installs an archive under a destination root.
type Extractor interface {
	Extract(archivePath, destRoot string, onProgress func(percent float64)) error
}

// History records job runs and installed datasets. *store.Store implements it.
type History interface {
	CreateDownloadRun(run *store.DownloadRun) error
	FinishDownloadRun(jobID, status, failureKind, errMsg string, bytes int64, resumed bool) error
	UpsertInstalled(rec *store.InstalledDataset) error
	SetEnabled(key string, enabled bool) error
	DeleteInstalled(key string) error
}

// Options configures an Orchestrator.
type Options struct {
	DataRoot   string
	Mirror     string
	AppVersion int // 0 disables compatibility gating
	History    History
	// FreeSpace reports usable bytes for a path. Nil uses the filesystem;
	// an error skips the check.
	FreeSpace func(path string) (uint64, error)
}

// Orchestrator sequences transfer, verification and installation per dataset
// and admits at most one job per dataset key.
type Orchestrator struct {
	registry  *catalog.Registry
	transfer  Transferer
	verifier  Verifier
	extractor Extractor
	history   History
	remover   *Remover
	logger    *slog.Logger

	dataRoot   string
	tempDir    string
	mirror     string
	appVersion int
	freeSpace  func(string) (uint64, error)

	mu     sync.Mutex
	active map[string]*job
	// unsettled holds keys whose last extraction failed. Files left behind
	// by it must not be detected as an install.
	unsettled map[string]bool
	closed    bool
	wg     sync.WaitGroup

	bus     *bus
	tracker *Tracker
}

type job struct {
	id       string
	key      string
	url      string
	tempPath string
	digest   string
	handle   *download.Handle
	state    State

	cancelRequested bool
	bytes           int64
	resumed         bool

	// ready is closed once the started event is queued; callbacks wait on it.
	ready chan struct{}
	done  chan struct{}
	final Event
}

// New creates an Orchestrator.
func New(registry *catalog.Registry, transfer Transferer, verifier Verifier, extractor Extractor, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	freeSpace := opts.FreeSpace
	if freeSpace == nil {
		freeSpace = freeBytes
	}
	return &Orchestrator{
		registry:   registry,
		transfer:   transfer,
		verifier:   verifier,
		extractor:  extractor,
		history:    opts.History,
		remover:    NewRemover(registry, opts.DataRoot, opts.History, logger),
		logger:     logger,
		dataRoot:   opts.DataRoot,
		tempDir:    filepath.Join(opts.DataRoot, "tmp"),
		mirror:     opts.Mirror,
		appVersion: opts.AppVersion,
		freeSpace:  freeSpace,
		active:     make(map[string]*job),
		unsettled:  make(map[string]bool),
		bus:        newBus(),
		tracker:    NewTracker(),
	}
}

// Registry returns the dataset registry the orchestrator mutates.
func (o *Orchestrator) Registry() *catalog.Registry {
	return o.registry
}

// Tracker returns the progress tracker for active jobs.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// TempDir returns the directory holding in-progress downloads.
func (o *Orchestrator) TempDir() string {
	return o.tempDir
}

// AddListener registers a listener for all events.
func (o *Orchestrator) AddListener(l Listener) {
	o.bus.addListener(l)
}

// Subscribe returns a channel of events and a function to unsubscribe.
// Progress events are dropped for subscribers whose buffer is full; started
// and finished events are always delivered. The channel is closed by Close.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.bus.subscribe(buffer)
}

// ResolveURL substitutes the mirror placeholder in a source URL template.
func ResolveURL(template, mirror string) string {
	return strings.ReplaceAll(template, MirrorPlaceholder, mirror)
}

// TempPath returns <tempDir>/<basename of the URL path>.part.
func TempPath(tempDir, rawURL, key string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = key + ".tar.gz"
	}
	return filepath.Join(tempDir, name+".part")
}

// RequestDownload admits a download job for key and starts it. It returns
// the job ID. A key with an active job is rejected with ErrJobActive and no
// second transfer is started.
func (o *Orchestrator) RequestDownload(key string) (string, error) {
	j, err := o.request(key)
	if err != nil {
		return "", err
	}
	return j.id, nil
}

func (o *Orchestrator) request(key string) (*job, error) {
	ds, ok := o.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, key)
	}
	if err := o.admit(&ds); err != nil {
		return nil, err
	}

	rawURL := ResolveURL(ds.SourceURL, o.mirror)
	j := &job{
		id:       uuid.NewString(),
		key:      key,
		url:      rawURL,
		tempPath: TempPath(o.tempDir, rawURL, key),
		digest:   ds.Digest,
		state:    StatePending,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := o.active[key]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobActive, key)
	}
	o.active[key] = j
	o.wg.Add(1)
	o.mu.Unlock()

	handle, err := o.transfer.StartDownload(j.url, j.tempPath, o.progressFunc(j), o.doneFunc(j))
	if err != nil {
		o.mu.Lock()
		delete(o.active, key)
		o.mu.Unlock()
		o.wg.Done()
		o.logger.Warn("download not started", "key", key, "url", j.url, "error", err)
		return nil, fmt.Errorf("starting download of %s: %w", key, err)
	}

	o.mu.Lock()
	j.handle = handle
	j.state = StateDownloading
	cancelNow := j.cancelRequested
	o.mu.Unlock()

	o.tracker.start(key, j.id)
	if o.history != nil {
		run := &store.DownloadRun{JobID: j.id, DatasetKey: key, URL: j.url, StartTime: time.Now()}
		if err := o.history.CreateDownloadRun(run); err != nil {
			o.logger.Warn("failed to record download run", "key", key, "error", err)
		}
	}
	o.logger.Info("download started", "key", key, "job", j.id, "url", j.url, "temp", j.tempPath)
	o.bus.publish(Event{Type: EventStarted, Key: key, JobID: j.id, Handle: handle})
	close(j.ready)

	if cancelNow {
		handle.Cancel()
	}
	return j, nil
}

// admit runs the checks that reject a request before any job exists.
func (o *Orchestrator) admit(ds *catalog.Dataset) error {
	if ds.SourceURL == "" {
		return fmt.Errorf("%w: %s", ErrNoSource, ds.Key)
	}
	if o.appVersion > 0 && ds.MinAppVersion > o.appVersion {
		return fmt.Errorf("%w: %s needs %d, running %d", ErrIncompatible, ds.Key, ds.MinAppVersion, o.appVersion)
	}
	if ds.SizeBytes > 0 {
		free, err := o.freeSpace(o.tempDir)
		if err != nil {
			o.logger.Debug("free space check skipped", "path", o.tempDir, "error", err)
		} else if float64(ds.SizeBytes)*spaceFactor >= float64(free) {
			return fmt.Errorf("%w: %s needs about %s, %s available", ErrInsufficientSpace, ds.Key,
				humanize.Bytes(uint64(float64(ds.SizeBytes)*spaceFactor)), humanize.Bytes(free))
		}
	}
	return nil
}

// CancelDownload cancels the active job for key. It reports whether a job
// was active; cancelling an idle key does nothing.
func (o *Orchestrator) CancelDownload(key string) bool {
	o.mu.Lock()
	j, ok := o.active[key]
	if !ok {
		o.mu.Unlock()
		return false
	}
	handle := j.handle
	if handle == nil {
		j.cancelRequested = true
	}
	o.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	o.logger.Info("download cancel requested", "key", key, "job", j.id)
	return true
}

// Download runs a job for key to completion and returns its finished event.
// Cancelling ctx cancels the transfer.
func (o *Orchestrator) Download(ctx context.Context, key string) (Event, error) {
	j, err := o.request(key)
	if err != nil {
		return Event{}, err
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		o.CancelDownload(key)
		<-j.done
	}
	if j.final.Outcome != OutcomeSuccess {
		return j.final, j.final.Err
	}
	return j.final, nil
}

// IsActive reports whether a job for key is in flight.
func (o *Orchestrator) IsActive(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[key]
	return ok
}

// Active returns a snapshot of in-flight jobs.
func (o *Orchestrator) Active() []JobProgress {
	return o.tracker.Snapshot()
}

// Wait blocks until every admitted job reached a terminal state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels in-flight jobs, waits for them and stops event delivery.
// Called from a Listener, it cancels the jobs and returns without waiting;
// delivery stops once they have finished.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	keys := make([]string, 0, len(o.active))
	for key := range o.active {
		keys = append(keys, key)
	}
	o.mu.Unlock()

	for _, key := range keys {
		o.CancelDownload(key)
	}
	if o.bus.inListener() {
		// Cancelled jobs still publish their finished events, which needs
		// the bus goroutine this listener is holding.
		go func() {
			o.wg.Wait()
			o.bus.close()
		}()
		return
	}
	o.wg.Wait()
	o.bus.close()
}

func (o *Orchestrator) progressFunc(j *job) func(download.ProgressSample) {
	return func(s download.ProgressSample) {
		<-j.ready
		o.tracker.transfer(j.key, s)
		progress := humanize.Bytes(uint64(s.BytesRead))
		if s.BytesTotal > 0 {
			progress += " / " + humanize.Bytes(uint64(s.BytesTotal))
		}
		o.bus.publish(Event{
			Type:     EventProgress,
			Key:      j.key,
			JobID:    j.id,
			Stage:    StageDownloading,
			Percent:  s.Percent,
			Progress: progress,
			Speed:    humanize.Bytes(uint64(s.Speed)) + "/s",
		})
	}
}

// doneFunc runs the rest of the pipeline on the transfer's goroutine.
func (o *Orchestrator) doneFunc(j *job) func(download.Result) {
	return func(res download.Result) {
		<-j.ready
		o.mu.Lock()
		j.bytes = res.Bytes
		j.resumed = res.Resumed
		o.mu.Unlock()

		switch res.Outcome {
		case download.Cancelled:
			o.finish(j, OutcomeCancelled, KindCancelled, context.Canceled)
		case download.Failed:
			o.finish(j, OutcomeFailure, KindTransport, res.Err)
		default:
			o.verifyAndInstall(j)
		}
	}
}

func (o *Orchestrator) verifyAndInstall(j *job) {
	o.setState(j, StateVerifying)
	o.bus.publish(Event{Type: EventProgress, Key: j.key, JobID: j.id, Stage: StageVerifying})

	matched, computed, err := o.verifier.Verify(j.tempPath, j.digest)
	if err != nil {
		o.finish(j, OutcomeFailure, KindIntegrity, fmt.Errorf("verifying %s: %w", j.tempPath, err))
		return
	}
	if !matched {
		// The artifact stays on disk for inspection.
		o.finish(j, OutcomeFailure, KindIntegrity,
			fmt.Errorf("digest mismatch for %s: expected %s, got %s", j.key, j.digest, computed))
		return
	}

	o.setState(j, StateInstalling)
	err = o.extractor.Extract(j.tempPath, o.dataRoot, func(pct float64) {
		o.tracker.percent(j.key, pct)
		o.bus.publish(Event{
			Type:     EventProgress,
			Key:      j.key,
			JobID:    j.id,
			Stage:    StageInstalling,
			Percent:  pct,
			Progress: fmt.Sprintf("%.0f%%", pct),
		})
	})
	if err != nil {
		o.finish(j, OutcomeFailure, KindExtraction, fmt.Errorf("extracting %s: %w", j.key, err))
		return
	}

	if err := os.Remove(j.tempPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove downloaded archive", "path", j.tempPath, "error", err)
	}
	if err := o.registry.MarkInstalled(j.key); err != nil {
		o.logger.Warn("installed dataset missing from registry", "key", j.key, "error", err)
	}
	if o.history != nil {
		ds, _ := o.registry.Get(j.key)
		rec := &store.InstalledDataset{Key: j.key, Version: ds.RemoteVersion, SHA256: computed, Enabled: ds.Enabled}
		if err := o.history.UpsertInstalled(rec); err != nil {
			o.logger.Warn("failed to record installed dataset", "key", j.key, "error", err)
		}
	}
	o.finish(j, OutcomeSuccess, KindNone, nil)
}

func (o *Orchestrator) setState(j *job, state State) {
	o.mu.Lock()
	j.state = state
	o.mu.Unlock()
	o.tracker.setState(j.key, state)
}

// finish removes the job from the active map before publishing, so a
// listener may re-request the same key immediately.
func (o *Orchestrator) finish(j *job, outcome Outcome, kind FailureKind, err error) {
	state, status := StateSucceeded, store.RunStatusSucceeded
	switch outcome {
	case OutcomeFailure:
		state, status = StateFailed, store.RunStatusFailed
	case OutcomeCancelled:
		state, status = StateCancelled, store.RunStatusCancelled
	}

	o.mu.Lock()
	j.state = state
	bytes, resumed := j.bytes, j.resumed
	if o.active[j.key] == j {
		delete(o.active, j.key)
	}
	switch {
	case outcome == OutcomeSuccess:
		delete(o.unsettled, j.key)
	case kind == KindExtraction:
		o.unsettled[j.key] = true
	}
	o.mu.Unlock()
	o.tracker.remove(j.key)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if o.history != nil {
		if herr := o.history.FinishDownloadRun(j.id, status, string(kind), errMsg, bytes, resumed); herr != nil {
			o.logger.Warn("failed to record download result", "key", j.key, "job", j.id, "error", herr)
		}
	}

	switch outcome {
	case OutcomeSuccess:
		o.logger.Info("dataset installed", "key", j.key, "job", j.id, "bytes", bytes)
	case OutcomeCancelled:
		o.logger.Info("download cancelled", "key", j.key, "job", j.id)
	default:
		o.logger.Error("download failed", "key", j.key, "job", j.id, "kind", kind, "error", err)
	}

	ev := Event{Type: EventFinished, Key: j.key, JobID: j.id, Outcome: outcome, Kind: kind, Error: errMsg, Err: err}
	j.final = ev
	o.bus.publish(ev)
	close(j.done)
	o.wg.Done()
}

// Remove uninstalls a dataset. It is rejected while a job for the key is
// active.
func (o *Orchestrator) Remove(key string) (bool, []error) {
	if o.IsActive(key) {
		return false, []error{fmt.Errorf("%w: %s", ErrJobActive, key)}
	}
	deleted, errs := o.remover.Remove(key)
	if deleted {
		o.mu.Lock()
		delete(o.unsettled, key)
		o.mu.Unlock()
	}
	return deleted, errs
}

// Refresh re-detects local state under root for every dataset that has no
// active job and whose last extraction did not fail. It holds the job lock,
// so no job is admitted while detection results are applied.
func (o *Orchestrator) Refresh(root string, logger *slog.Logger) {
	if logger == nil {
		logger = o.logger
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registry.RefreshExcept(root, logger, func(key string) bool {
		_, busy := o.active[key]
		return busy || o.unsettled[key]
	})
}

// Enable selects an installed dataset and persists the flag.
func (o *Orchestrator) Enable(key string, force bool) error {
	if err := o.registry.Enable(key, force); err != nil {
		return err
	}
	return o.persistEnabled(key, true)
}

// Disable deselects a dataset and persists the flag. Base data stays enabled.
func (o *Orchestrator) Disable(key string) error {
	if err := o.registry.Disable(key); err != nil {
		return err
	}
	ds, _ := o.registry.Get(key)
	return o.persistEnabled(key, ds.Enabled)
}

func (o *Orchestrator) persistEnabled(key string, enabled bool) error {
	if o.history == nil {
		return nil
	}
	err := o.history.SetEnabled(key, enabled)
	if errors.Is(err, store.ErrNotFound) {
		// Detected on disk but never installed through us.
		ds, _ := o.registry.Get(key)
		err = o.history.UpsertInstalled(&store.InstalledDataset{Key: key, Version: ds.LocalVersion, Enabled: enabled})
	}
	if err != nil {
		return fmt.Errorf("persisting enabled flag for %s: %w", key, err)
	}
	return nil
}

// CleanupTemp deletes leftover *.part files, skipping those owned by active
// jobs, and stale staging directories when nothing is running.
func (o *Orchestrator) CleanupTemp() ([]string, error) {
	o.mu.Lock()
	inUse := make(map[string]bool, len(o.active))
	for _, j := range o.active {
		inUse[j.tempPath] = true
	}
	idle := len(o.active) == 0
	o.mu.Unlock()

	parts, err := filepath.Glob(filepath.Join(o.tempDir, "*.part"))
	if err != nil {
		return nil, fmt.Errorf("listing temp files: %w", err)
	}
	if idle {
		staging, err := filepath.Glob(filepath.Join(o.tempDir, "staging-*"))
		if err != nil {
			return nil, fmt.Errorf("listing staging directories: %w", err)
		}
		parts = append(parts, staging...)
	}

	var removed []string
	var errs []error
	for _, p := range parts {
		if inUse[p] {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
		o.logger.Info("removed temp file", "path", p)
	}
	return removed, errors.Join(errs...)
}
