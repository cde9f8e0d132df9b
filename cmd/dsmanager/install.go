package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dsmanager/internal/engine"
)

var installParallel int

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install KEY...",
		Short: "Download, verify and install datasets",
		Long: `Download each dataset's archive from the mirror, verify its SHA-256 digest
and extract it into the data root. Interrupted downloads resume from the
partial file in <data>/tmp. With --parallel 1 (the default) datasets are
installed one after another and the first failure stops the batch.`,
		Example: `  dsmanager install hip
  dsmanager install hip gaia-dr3-default --parallel 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: installRun,
	}
	cmd.Flags().IntVar(&installParallel, "parallel", 0, "concurrent downloads (default download.max_parallel)")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [KEY...]",
		Short: "Install newer versions of outdated datasets",
		Long: `Reinstall datasets whose local version is older than the catalog's. Without
arguments every outdated dataset is updated.`,
		Example: `  dsmanager update
  dsmanager update hip`,
		RunE: updateRun,
	}
	cmd.Flags().IntVar(&installParallel, "parallel", 0, "concurrent downloads (default download.max_parallel)")
	return cmd
}

func installRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	return runBatch(commandContext(cmd), args)
}

func updateRun(cmd *cobra.Command, args []string) error {
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}
	keys := args
	if len(keys) == 0 {
		keys = globalRegistry.Diff().Outdated
	}
	if len(keys) == 0 {
		fmt.Println("Everything is up to date.")
		return nil
	}
	for _, key := range keys {
		if ds, ok := globalRegistry.Get(key); ok && !ds.Outdated() {
			fmt.Printf("%s is not outdated, reinstalling anyway\n", key)
		}
	}
	return runBatch(commandContext(cmd), keys)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func runBatch(ctx context.Context, keys []string) error {
	parallel := installParallel
	if parallel <= 0 && globalCfg != nil {
		parallel = globalCfg.Download.MaxParallel
	}

	var out io.Writer = os.Stderr
	if quiet {
		out = io.Discard
	}
	events, unsubscribe := globalOrch.Subscribe(256)
	renderer := newProgressRenderer(out)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderer.consume(events)
	}()

	results, err := globalOrch.InstallBatch(ctx, keys, parallel)
	var ran []string
	for _, r := range results {
		if r.Event.Type == engine.EventFinished {
			ran = append(ran, r.Key)
		}
	}
	// Finished events reach subscribers asynchronously.
	renderer.waitFinished(ran, 2*time.Second)
	unsubscribe()
	renderer.stop()
	wg.Wait()

	fmt.Println()
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Printf("  %-28s skipped\n", r.Key)
		case r.Err != nil:
			fmt.Printf("  %-28s %s: %v\n", r.Key, r.Event.Outcome, r.Err)
		default:
			fmt.Printf("  %-28s installed\n", r.Key)
		}
	}
	if err != nil {
		return fmt.Errorf("install failed: %w", err)
	}
	return nil
}

// progressRenderer draws one progress bar per active job. The bar restarts
// at zero for each stage of a job and never moves backwards within one.
type progressRenderer struct {
	out io.Writer
	mu  sync.Mutex

	bars     map[string]*progressbar.ProgressBar
	stages   map[string]engine.Stage
	percent  map[string]int
	finished map[string]bool

	changed chan struct{}
	done    chan struct{}
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{
		out:      out,
		bars:     make(map[string]*progressbar.ProgressBar),
		stages:   make(map[string]engine.Stage),
		percent:  make(map[string]int),
		finished: make(map[string]bool),
		changed:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// waitFinished blocks until a finished event was handled for every key, or
// until timeout.
func (p *progressRenderer) waitFinished(keys []string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		pending := 0
		for _, k := range keys {
			if !p.finished[k] {
				pending++
			}
		}
		p.mu.Unlock()
		if pending == 0 {
			return
		}
		select {
		case <-p.changed:
		case <-deadline:
			return
		}
	}
}

func (p *progressRenderer) consume(events <-chan engine.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ev)
		case <-p.done:
			return
		}
	}
}

func (p *progressRenderer) stop() {
	close(p.done)
}

func (p *progressRenderer) handle(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case engine.EventStarted:
		p.bars[ev.Key] = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(ev.Key),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
		)
	case engine.EventProgress:
		bar, ok := p.bars[ev.Key]
		if !ok {
			return
		}
		pct := int(ev.Percent)
		if p.stages[ev.Key] != ev.Stage {
			p.stages[ev.Key] = ev.Stage
			p.percent[ev.Key] = 0
			bar.Reset()
		}
		if pct < p.percent[ev.Key] {
			pct = p.percent[ev.Key]
		}
		p.percent[ev.Key] = pct
		desc := fmt.Sprintf("%s %s", ev.Key, ev.Stage)
		if ev.Progress != "" {
			desc += " " + ev.Progress
		}
		if ev.Speed != "" {
			desc += " " + ev.Speed
		}
		bar.Describe(desc)
		_ = bar.Set(pct)
	case engine.EventFinished:
		p.finished[ev.Key] = true
		select {
		case p.changed <- struct{}{}:
		default:
		}
		bar, ok := p.bars[ev.Key]
		if !ok {
			return
		}
		if ev.Outcome == engine.OutcomeSuccess {
			_ = bar.Finish()
		} else {
			bar.Describe(fmt.Sprintf("%s %s", ev.Key, ev.Outcome))
			_ = bar.Exit()
		}
		fmt.Fprintln(p.out)
		delete(p.bars, ev.Key)
		delete(p.stages, ev.Key)
		delete(p.percent, ev.Key)
	}
}
