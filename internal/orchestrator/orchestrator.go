// Package orchestrator drives one download session through its lifecycle:
// resolve the manifest, fetch all segments through the worker pool, then
// merge them in sequence order.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"m3u8get/internal/config"
	"m3u8get/internal/fetch"
	"m3u8get/internal/logger"
	"m3u8get/internal/merge"
	"m3u8get/internal/models"
	"m3u8get/internal/monitor"
	"m3u8get/internal/playlist"
	"m3u8get/internal/store"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateFetching
	StateMerging
	StateDone
	StateFailed
)

// String returns the state name for logs and the status endpoint.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a point-in-time view of the run, streamed to the CLI layer and
// served on the status endpoint.
type Progress struct {
	RunID      string  `json:"run_id"`
	State      string  `json:"state"`
	Discovered int     `json:"segments_discovered"`
	Downloaded int     `json:"segments_downloaded"`
	Failed     int     `json:"segments_failed"`
	InFlight   int     `json:"segments_in_flight"`
	Fraction   float64 `json:"fraction_complete"`
	Error      string  `json:"error,omitempty"`
}

// Orchestrator owns one download session. It performs no user interaction;
// the external CLI layer reads Events and maps the terminal state to a
// process exit code.
type Orchestrator struct {
	opts       *config.Options
	logger     logger.Logger
	client     *playlist.Client
	resolver   *playlist.Resolver
	downloader *fetch.Downloader
	segStore   *store.SegmentStore
	merger     *merge.Engine
	metrics    *monitor.Metrics
	runID      string

	mutex sync.RWMutex
	state State
	err   error

	events chan Progress
}

// New wires up a session for the given options. The manifest client's HTTP
// connections are shared with the segment fetcher.
func New(opts *config.Options, log logger.Logger) *Orchestrator {
	client := playlist.NewClient(log, opts.UserAgent, opts.RequestTimeout)

	return &Orchestrator{
		opts:     opts,
		logger:   log,
		client:   client,
		resolver: playlist.NewResolver(client, log, opts.Policy),
		segStore: store.New(log, opts.WorkDir),
		merger:   merge.NewEngine(log),
		metrics:  monitor.NewMetrics(),
		runID:    uuid.NewString(),
		state:    StateIdle,
		events:   make(chan Progress, 64),
		// The downloader is created after the first resolve, once the segment
		// count that sizes its queue is known.
	}
}

// RunID returns the session's unique identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// Metrics returns the session's Prometheus metrics for the status listener.
func (o *Orchestrator) Metrics() *monitor.Metrics { return o.metrics }

// Events returns the progress stream. Snapshots are dropped rather than
// blocking the pipeline when the consumer lags.
func (o *Orchestrator) Events() <-chan Progress { return o.events }

// Snapshot returns the current progress. Safe to call concurrently with Run.
func (o *Orchestrator) Snapshot() Progress {
	o.mutex.RLock()
	state := o.state
	err := o.err
	o.mutex.RUnlock()

	counts := o.segStore.Counts()
	p := Progress{
		RunID:      o.runID,
		State:      state.String(),
		Discovered: counts.Total,
		Downloaded: counts.Downloaded,
		Failed:     counts.Failed,
		InFlight:   counts.InFlight,
	}
	if counts.Total > 0 {
		p.Fraction = float64(counts.Downloaded) / float64(counts.Total)
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// UpdateGauges refreshes the gauge metrics from store state. The status
// listener calls this before each scrape.
func (o *Orchestrator) UpdateGauges() {
	o.mutex.RLock()
	state := o.state
	o.mutex.RUnlock()
	o.metrics.SetRunState(int(state))

	counts := o.segStore.Counts()
	o.metrics.SetInFlight(counts.InFlight)
	if counts.Total > 0 {
		o.metrics.SetFraction(float64(counts.Downloaded) / float64(counts.Total))
	}
}

// Run executes the session until Done or Failed. Cancelling ctx stops new
// dispatch, lets in-flight workers abort at their next I/O checkpoint, keeps
// already-downloaded segments on disk for a later resume, and writes no
// output file.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.events)

	o.logger.Infof("Run %s: starting for manifest %s", o.runID, o.opts.ManifestURL)
	o.setState(StateResolving)

	if err := os.MkdirAll(o.opts.WorkDir, 0755); err != nil {
		return o.fail(fmt.Errorf("failed to create work dir %s: %w", o.opts.WorkDir, err))
	}

	media, err := o.resolver.Resolve(ctx, o.opts.ManifestURL)
	if err != nil {
		return o.fail(err)
	}

	o.setState(StateFetching)

	// All work is known up front for an ended playlist; live appends beyond
	// this headroom are handled by dispatch draining results while it queues.
	queueDepth := len(media.Segments) + 1024
	o.downloader = fetch.NewDownloader(
		o.client.HttpClient(), o.logger, o.opts.UserAgent,
		o.opts.Concurrency, o.opts.RetryLimit, queueDepth,
	)
	o.downloader.RequestTimeout = o.opts.RequestTimeout

	results := make(chan fetch.DownloadResult, o.opts.Concurrency*2)

	ended := media.Ended
	outstanding := o.dispatch(ctx, media.Segments, results)

	pollInterval := o.opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	if ended {
		ticker.Stop()
	}

	for outstanding > 0 || !ended {
		select {
		case res := <-results:
			outstanding--
			o.finishSegment(res)

		case <-ticker.C:
			if ended {
				continue
			}
			fresh, err := o.resolver.Poll(ctx)
			if err != nil {
				o.shutdownPool(results)
				return o.fail(err)
			}
			if fresh.Ended {
				o.logger.Infof("Run %s: playlist ended with %d segments known", o.runID, o.segStore.Counts().Total)
				ended = true
				ticker.Stop()
			}
			outstanding += o.dispatch(ctx, fresh.Segments, results)

		case <-ctx.Done():
			o.logger.Warnf("Run %s: cancelled, retaining %d downloaded segments for resume",
				o.runID, o.segStore.Counts().Downloaded)
			o.shutdownPool(results)
			return o.fail(ctx.Err())
		}
	}

	o.downloader.Stop()

	if failed := o.segStore.FailedSequences(); len(failed) > 0 {
		return o.fail(&merge.Error{
			Kind: merge.KindMissingSegment,
			Err:  fmt.Errorf("%d segments failed permanently, first is %d", len(failed), failed[0]),
		})
	}

	o.setState(StateMerging)
	paths, err := o.segStore.OrderedPaths()
	if err != nil {
		return o.fail(&merge.Error{Kind: merge.KindMissingSegment, Err: err})
	}
	if err := o.merger.Merge(paths, o.opts.OutputPath); err != nil {
		return o.fail(err)
	}

	o.segStore.Cleanup()
	o.setState(StateDone)
	o.logger.Infof("Run %s: done, wrote %s", o.runID, o.opts.OutputPath)
	return nil
}

// dispatch registers descriptors and queues fetch tasks for the ones that
// still need bytes, in ascending sequence order. Duplicate sequence numbers
// from live re-polls and segments adopted from a previous run's work dir are
// skipped. While the task queue is full, results are drained in place so
// workers blocked on reporting can free queue slots; a live batch larger
// than the queue therefore makes progress instead of wedging the pool.
// Returns the net change in outstanding tasks (queued minus completed).
func (o *Orchestrator) dispatch(ctx context.Context, descs []models.SegmentDescriptor, results chan fetch.DownloadResult) int {
	delta := 0
	for _, desc := range descs {
		if !o.segStore.Upsert(desc) {
			continue
		}
		o.metrics.AddDiscovered(1)

		rec, _ := o.segStore.Record(desc.Sequence)
		if rec.Status == store.StatusDownloaded {
			o.emit()
			continue
		}

		o.segStore.MarkInFlight(desc.Sequence)
		task := fetch.DownloadTask{
			Ctx:        ctx,
			Descriptor: desc,
			Path:       o.segStore.SegmentPath(desc.Sequence),
			Result:     results,
		}
		for queued := false; !queued; {
			select {
			case o.downloader.Tasks() <- task:
				queued = true
				delta++
			case res := <-results:
				o.finishSegment(res)
				delta--
			}
		}
	}
	if delta != 0 {
		o.emit()
	}
	return delta
}

// finishSegment applies one pool result to the store and metrics.
func (o *Orchestrator) finishSegment(res fetch.DownloadResult) {
	o.metrics.AddRetries(res.Attempts - 1)
	if res.Err != nil {
		o.segStore.MarkFailed(res.Sequence, res.Attempts, res.Err)
		o.metrics.IncFailed()
	} else {
		o.segStore.MarkDownloaded(res.Sequence, res.Path, res.Attempts)
		o.metrics.IncDownloaded(res.Bytes)
	}
	o.emit()
}

// shutdownPool stops the worker pool while draining its result channel so
// workers blocked on sending a result can exit.
func (o *Orchestrator) shutdownPool(results chan fetch.DownloadResult) {
	done := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case res := <-results:
				o.finishSegment(res)
			case <-done:
				return
			}
		}
	}()
	o.downloader.Stop()
	close(done)
	<-drained
}

func (o *Orchestrator) setState(s State) {
	o.mutex.Lock()
	o.state = s
	o.mutex.Unlock()
	o.emit()
}

func (o *Orchestrator) fail(err error) error {
	o.mutex.Lock()
	o.state = StateFailed
	o.err = err
	o.mutex.Unlock()
	o.logger.Errorf("Run %s: failed: %v", o.runID, err)
	o.emit()
	return err
}

// emit publishes a progress snapshot without ever blocking the pipeline.
func (o *Orchestrator) emit() {
	select {
	case o.events <- o.Snapshot():
	default:
	}
}
