package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/dsmanager/internal/catalog"
	"github.com/BadgerOps/dsmanager/internal/server"
)

var (
	serveListen string
	serveWatch  bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and event stream",
		Long: `Start the HTTP server. It exposes the dataset catalog and job control as a
JSON API and streams job events over a websocket at /api/events. With
--watch the data root is watched and local state is re-detected when files
change outside dsmanager.`,
		Example: `  dsmanager serve
  dsmanager serve --listen 0.0.0.0:8090 --watch`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default server.listen)")
	cmd.Flags().BoolVar(&serveWatch, "watch", true, "re-detect installed datasets when the data root changes")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalOrch == nil {
		return fmt.Errorf("orchestrator not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	if serveWatch {
		watcher, err := catalog.NewWatcher(globalOrch, globalCfg.Data.Location, logger, func() {
			log.Debug("local datasets re-detected")
		})
		if err != nil {
			log.Warn("data root watcher disabled", "error", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					log.Warn("data root watcher stopped", "error", err)
				}
			}()
		}
	}

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Data.Location,
		"datasets", globalRegistry.Len())

	srv := server.NewServer(globalOrch, globalStore, globalRanker, globalCfg, logger)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		errChan <- srv.Start(listen)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("received shutdown signal")
		fmt.Println("\nShutting down server...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		fmt.Println("Server stopped gracefully")
	}

	return nil
}

var mirrorsTop int

func newMirrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirrors [URL...]",
		Short: "Rank data mirrors by latency and throughput",
		Long: `Measure each mirror's latency with a HEAD request, then the throughput of the
fastest responders with a GET. Without arguments the mirrors listed in
data.mirrors are tested.`,
		Example: `  dsmanager mirrors
  dsmanager mirrors https://a.example.org/data https://b.example.org/data`,
		RunE: mirrorsRun,
	}
	cmd.Flags().IntVar(&mirrorsTop, "top", 5, "number of mirrors to measure throughput for")
	return cmd
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	urls := args
	if len(urls) == 0 {
		urls = globalCfg.Data.Mirrors
	}
	if len(urls) == 0 {
		return fmt.Errorf("no mirrors given and data.mirrors is empty")
	}

	ranker := globalRanker
	if ranker == nil {
		ranker = newRanker()
	}
	results := ranker.SpeedTest(commandContext(cmd), urls, mirrorsTop)

	fmt.Printf("%-4s %-56s %10s %14s\n", "Rank", "Mirror", "Latency", "Throughput")
	for i, r := range results {
		if r.Error != "" {
			fmt.Printf("%-4s %-56s %s\n", "-", truncate(r.URL, 56), r.Error)
			continue
		}
		throughput := "-"
		if r.ThroughputKBps > 0 {
			throughput = humanize.Bytes(uint64(r.ThroughputKBps*1024)) + "/s"
		}
		fmt.Printf("%-4d %-56s %8dms %14s\n", i+1, truncate(r.URL, 56), r.LatencyMs, throughput)
	}
	return nil
}
