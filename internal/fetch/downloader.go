package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"m3u8get/internal/logger"
	"m3u8get/internal/models"
)

// DownloadTask is one unit of work for the pool: fetch the descriptor's bytes
// into Path and report on Result. Ctx bounds the whole task including retries;
// cancelling it makes in-flight attempts abort at their next I/O checkpoint.
type DownloadTask struct {
	Ctx        context.Context
	Descriptor models.SegmentDescriptor
	Path       string
	Result     chan<- DownloadResult
}

// DownloadResult reports the outcome of one task.
type DownloadResult struct {
	Sequence uint64
	Path     string
	Bytes    int64
	Attempts int
	Err      error
}

// Downloader is a fixed-size worker pool that downloads media segments with
// per-attempt timeouts and exponential-backoff retries. Tasks are executed in
// queue order; results complete in whatever order the network allows.
type Downloader struct {
	httpClient *http.Client
	logger     logger.Logger
	userAgent  string
	keys       *KeyCache

	// RequestTimeout bounds each individual attempt.
	RequestTimeout time.Duration
	// RetryLimit is the maximum number of attempts per segment.
	RetryLimit int
	// BaseDelay seeds the backoff schedule; the delay doubles after every
	// failed attempt.
	BaseDelay time.Duration

	taskQueue chan DownloadTask
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewDownloader creates the pool and starts its workers. queueDepth bounds
// the task queue; callers size it to the total known segment count so queuing
// never blocks once the manifest is resolved.
func NewDownloader(client *http.Client, log logger.Logger, userAgent string, workers, retryLimit, queueDepth int) *Downloader {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers
	}

	d := &Downloader{
		httpClient:     client,
		logger:         log,
		userAgent:      userAgent,
		keys:           NewKeyCache(client, log, userAgent),
		RequestTimeout: 15 * time.Second,
		RetryLimit:     retryLimit,
		BaseDelay:      250 * time.Millisecond,
		taskQueue:      make(chan DownloadTask, queueDepth),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// QueueDownload enqueues a task for the next free worker, blocking while the
// queue is full.
func (d *Downloader) QueueDownload(task DownloadTask) {
	d.taskQueue <- task
}

// Tasks exposes the task queue so a dispatcher can select between enqueueing
// and draining results from the same pool. Sending after Stop panics, same as
// QueueDownload.
func (d *Downloader) Tasks() chan<- DownloadTask {
	return d.taskQueue
}

// Stop closes the queue and waits for in-flight work to finish. Safe to call
// more than once.
func (d *Downloader) Stop() {
	d.stopOnce.Do(func() {
		close(d.taskQueue)
	})
	d.wg.Wait()
}

func (d *Downloader) worker(id int) {
	defer d.wg.Done()
	for task := range d.taskQueue {
		result := d.run(task)
		if result.Err != nil {
			d.logger.Warnf("Worker %d: segment %d failed after %d attempts: %v",
				id, result.Sequence, result.Attempts, result.Err)
		}
		task.Result <- result
	}
}

// run performs all attempts for one task.
func (d *Downloader) run(task DownloadTask) DownloadResult {
	seq := task.Descriptor.Sequence
	result := DownloadResult{Sequence: seq, Path: task.Path}

	var lastErr error
	for attempt := 1; attempt <= d.RetryLimit; attempt++ {
		result.Attempts = attempt

		if err := task.Ctx.Err(); err != nil {
			result.Err = &Error{Kind: KindTimeout, Sequence: seq, Err: err}
			return result
		}

		d.logger.Debugf("Downloading segment %d (attempt %d/%d)", seq, attempt, d.RetryLimit)
		n, err := d.attempt(task)
		if err == nil {
			result.Bytes = n
			d.logger.Debugf("Successfully downloaded segment %d (%d bytes)", seq, n)
			return result
		}
		lastErr = err
		d.logger.Warnf("Download attempt %d failed for segment %d: %v", attempt, seq, err)

		if attempt < d.RetryLimit {
			// Exponential backoff, strictly increasing between attempts.
			delay := d.BaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-task.Ctx.Done():
				result.Err = &Error{Kind: KindTimeout, Sequence: seq, Err: task.Ctx.Err()}
				return result
			}
		}
	}

	result.Err = fmt.Errorf("failed to download segment %d after %d attempts: %w", seq, d.RetryLimit, lastErr)
	return result
}

// attempt performs a single GET, verification, optional decryption, and
// persists the bytes to the task path. The write goes through a .part file
// renamed into place so a partially written segment is never adopted as
// complete by a later resumed run.
func (d *Downloader) attempt(task DownloadTask) (int64, error) {
	desc := task.Descriptor
	seq := desc.Sequence

	ctx, cancel := context.WithTimeout(task.Ctx, d.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URI, nil)
	if err != nil {
		return 0, &Error{Kind: KindIOError, Sequence: seq, Err: err}
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if desc.ByteRange != nil {
		req.Header.Set("Range", desc.ByteRange.HeaderValue())
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindTimeout, Sequence: seq, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, &Error{Kind: KindHTTPStatus, Sequence: seq,
			Err: fmt.Errorf("received status %d from %s", resp.StatusCode, desc.URI)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &Error{Kind: KindTimeout, Sequence: seq, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	if desc.ExpectedSize > 0 && int64(len(data)) != desc.ExpectedSize {
		return 0, &Error{Kind: KindSizeMismatch, Sequence: seq,
			Err: fmt.Errorf("got %d bytes, declared size is %d", len(data), desc.ExpectedSize)}
	}
	if desc.ByteRange != nil && int64(len(data)) != desc.ByteRange.Length {
		return 0, &Error{Kind: KindSizeMismatch, Sequence: seq,
			Err: fmt.Errorf("got %d bytes, byte range length is %d", len(data), desc.ByteRange.Length)}
	}

	if desc.Key != nil {
		key, err := d.keys.Get(ctx, desc.Key.URI)
		if err != nil {
			return 0, &Error{Kind: KindDecryptFailure, Sequence: seq, Err: err}
		}
		data, err = Decrypt(data, key, desc.Key, seq)
		if err != nil {
			return 0, &Error{Kind: KindDecryptFailure, Sequence: seq, Err: err}
		}
	}

	if err := writeFileAtomic(task.Path, data); err != nil {
		return 0, &Error{Kind: KindIOError, Sequence: seq, Err: err}
	}
	return int64(len(data)), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write segment file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize segment file: %w", err)
	}
	return nil
}

// IsTimeout reports whether err carries a fetch timeout classification.
func IsTimeout(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTimeout
}
