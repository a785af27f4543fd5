package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"m3u8get/internal/config"
	"m3u8get/internal/logger"
	"m3u8get/internal/monitor"
	"m3u8get/internal/orchestrator"
)

func main() {
	// 1. Parse command-line arguments; .env and environment values supply the
	// defaults, flags override.
	opts := config.Load(config.GetEnv("M3U8GET_ENV_FILE", ""))

	manifest := flag.String("i", opts.ManifestURL, "Manifest `file or URL` to download")
	output := flag.String("o", opts.OutputPath, "Write merged output to `file`")
	workDir := flag.String("t", opts.WorkDir, "Directory for temporary segment files")
	concurrency := flag.Int("n", opts.Concurrency, "Concurrent download workers")
	retryLimit := flag.Int("r", opts.RetryLimit, "Max attempts per segment")
	policy := flag.String("p", string(opts.Policy), "Rendition policy: highest, lowest, or first")
	userAgent := flag.String("UA", opts.UserAgent, "User-Agent sent to the server")
	logLevel := flag.String("L", opts.LogLevel, "Log level (error, warn, info, debug)")
	statusAddr := flag.String("s", opts.StatusAddr, "Optional status/metrics listen address, e.g. :9090")
	flag.Parse()

	opts.ManifestURL = *manifest
	opts.OutputPath = *output
	opts.WorkDir = *workDir
	opts.Concurrency = *concurrency
	opts.RetryLimit = *retryLimit
	opts.Policy = config.RenditionPolicy(*policy)
	opts.UserAgent = *userAgent
	opts.LogLevel = *logLevel
	opts.StatusAddr = *statusAddr

	// 2. Initialize logger
	log := logger.NewLogger(opts.LogLevel)

	if err := opts.Validate(); err != nil {
		log.Errorf("Invalid configuration: %v", err)
		os.Exit(2)
	}

	// 3. Build the session
	orch := orchestrator.New(opts, log)
	log.Infof("Starting m3u8get run %s", orch.RunID())

	// 4. Optional status/metrics listener
	var statusServer *http.Server
	if opts.StatusAddr != "" {
		router := monitor.NewRouter(orch.Metrics(), func() any { return orch.Snapshot() }, orch.UpdateGauges)
		statusServer = &http.Server{Addr: opts.StatusAddr, Handler: router}
		go func() {
			log.Infof("Status listener on %s", opts.StatusAddr)
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Status listener failed: %v", err)
			}
		}()
	}

	// 5. Run with cooperative cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		log.Warnf("Interrupt received, cancelling run (downloaded segments are kept)")
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
	}()

	// 6. Report progress until the run reaches a terminal state
	for p := range orch.Events() {
		fmt.Printf("\r[%s] %d/%d segments downloaded, %d failed (%.1f%%)   ",
			p.State, p.Downloaded, p.Discovered, p.Failed, p.Fraction*100)
	}
	fmt.Println()

	err := <-runErr
	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		statusServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	final := orch.Snapshot()
	if err != nil {
		fmt.Printf("Failed: %d downloaded, %d failed: %v\n", final.Downloaded, final.Failed, err)
		os.Exit(1)
	}
	fmt.Printf("Done: %d segments merged into %s\n", final.Downloaded, opts.OutputPath)
}
