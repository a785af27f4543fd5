package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m3u8get/internal/config"
	"m3u8get/internal/logger"
	"m3u8get/internal/merge"
	"m3u8get/internal/orchestrator"
	"m3u8get/internal/store"
)

// tsPacket builds one valid 188-byte TS packet tagged with marker.
func tsPacket(marker byte) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = marker
	return pkt
}

func testOptions(t *testing.T, manifestURL string) *config.Options {
	t.Helper()
	dir := t.TempDir()
	return &config.Options{
		ManifestURL:    manifestURL,
		OutputPath:     filepath.Join(dir, "out.ts"),
		WorkDir:        filepath.Join(dir, "segments"),
		Concurrency:    4,
		RetryLimit:     2,
		Policy:         config.PolicyHighestBandwidth,
		UserAgent:      "test-agent",
		RequestTimeout: 5 * time.Second,
		PollInterval:   30 * time.Millisecond,
		LogLevel:       "error",
	}
}

func endedManifest(count int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "#EXTINF:6,\nseg_%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// TestRun_MergesInSequenceOrder verifies that the final file holds every
// segment in ascending sequence order even though completion order is
// randomized by per-request delays.
func TestRun_MergesInSequenceOrder(t *testing.T) {
	const segCount = 12

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, endedManifest(segCount))
	})
	for i := 0; i < segCount; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/seg_%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Duration(rand.Intn(40)) * time.Millisecond)
			w.Write(tsPacket(byte(i)))
		})
	}

	opts := testOptions(t, server.URL+"/playlist.m3u8")
	orch := orchestrator.New(opts, logger.Nop())

	go func() {
		for range orch.Events() {
		}
	}()
	require.NoError(t, orch.Run(context.Background()))

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)

	var want bytes.Buffer
	for i := 0; i < segCount; i++ {
		want.Write(tsPacket(byte(i)))
	}
	assert.Equal(t, want.Bytes(), got)

	final := orch.Snapshot()
	assert.Equal(t, "done", final.State)
	assert.Equal(t, segCount, final.Downloaded)
	assert.Equal(t, 1.0, final.Fraction)

	// Segment files are reclaimed only after a successful merge.
	entries, err := os.ReadDir(opts.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestRun_PermanentSegmentFailure verifies that a segment failing every
// attempt terminates the run as failed with the missing-segment kind, without
// writing any output.
func TestRun_PermanentSegmentFailure(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, endedManifest(3))
	})
	mux.HandleFunc("/seg_0.ts", func(w http.ResponseWriter, r *http.Request) { w.Write(tsPacket(0)) })
	mux.HandleFunc("/seg_2.ts", func(w http.ResponseWriter, r *http.Request) { w.Write(tsPacket(2)) })

	var attempts int32
	mux.HandleFunc("/seg_1.ts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	opts := testOptions(t, server.URL+"/playlist.m3u8")
	orch := orchestrator.New(opts, logger.Nop())

	go func() {
		for range orch.Events() {
		}
	}()
	err := orch.Run(context.Background())
	require.Error(t, err)

	var merr *merge.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, merge.KindMissingSegment, merr.Kind)

	assert.Equal(t, int32(opts.RetryLimit), atomic.LoadInt32(&attempts), "attempts must stop at the retry limit")

	_, statErr := os.Stat(opts.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no output may be written for a failed run")
	assert.Equal(t, "failed", orch.Snapshot().State)
}

// TestRun_CancellationKeepsSegmentsForResume verifies that cancelling mid-run
// retains downloaded segments, writes no output, and that a follow-up run
// with the same work dir does not re-download them.
func TestRun_CancellationKeepsSegmentsForResume(t *testing.T) {
	const segCount = 4
	release := make(chan struct{})
	var slowFetches int32

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, endedManifest(segCount))
	})
	var fastFetches int32
	mux.HandleFunc("/seg_0.ts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fastFetches, 1)
		w.Write(tsPacket(0))
	})
	mux.HandleFunc("/seg_1.ts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fastFetches, 1)
		w.Write(tsPacket(1))
	})
	for i := 2; i < segCount; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/seg_%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&slowFetches, 1)
			select {
			case <-release:
			case <-r.Context().Done():
				return
			}
			w.Write(tsPacket(byte(i)))
		})
	}

	opts := testOptions(t, server.URL+"/playlist.m3u8")
	opts.Concurrency = 2
	orch := orchestrator.New(opts, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for range orch.Events() {
		}
	}()

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	// Wait for the fast segments to land, then cancel while the slow ones
	// are still in flight.
	require.Eventually(t, func() bool {
		return orch.Snapshot().Downloaded >= 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	close(release)

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(opts.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "a cancelled run produces no output file")

	seg := store.New(logger.Nop(), opts.WorkDir)
	for _, seq := range []uint64{0, 1} {
		_, err := os.Stat(seg.SegmentPath(seq))
		assert.NoError(t, err, "downloaded segment %d must survive cancellation", seq)
	}

	// Second run against the same work dir: the retained segments are
	// adopted, so only the remaining ones hit the network.
	fetchesBeforeResume := atomic.LoadInt32(&fastFetches)
	resumedOpts := *opts
	resumed := orchestrator.New(&resumedOpts, logger.Nop())
	go func() {
		for range resumed.Events() {
		}
	}()
	require.NoError(t, resumed.Run(context.Background()))
	assert.Equal(t, fetchesBeforeResume, atomic.LoadInt32(&fastFetches),
		"retained segments must not be re-downloaded")

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	var want bytes.Buffer
	for i := 0; i < segCount; i++ {
		want.Write(tsPacket(byte(i)))
	}
	assert.Equal(t, want.Bytes(), got)
}

// TestRun_LivePlaylistFetchesEachSegmentOnce verifies the live re-poll loop:
// overlapping manifest windows never produce duplicate downloads, and the
// run merges once the playlist ends.
func TestRun_LivePlaylistFetchesEachSegmentOnce(t *testing.T) {
	var generation int32
	segmentFetches := make([]int32, 4)

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&generation, 1) == 1 {
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:6,\nseg_0.ts\n#EXTINF:6,\nseg_1.ts\n")
			return
		}
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:6,\nseg_1.ts\n#EXTINF:6,\nseg_2.ts\n#EXTINF:6,\nseg_3.ts\n#EXT-X-ENDLIST\n")
	})
	for i := 0; i < 4; i++ {
		i := i
		mux.HandleFunc(fmt.Sprintf("/seg_%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&segmentFetches[i], 1)
			w.Write(tsPacket(byte(i)))
		})
	}

	opts := testOptions(t, server.URL+"/playlist.m3u8")
	orch := orchestrator.New(opts, logger.Nop())

	go func() {
		for range orch.Events() {
		}
	}()
	require.NoError(t, orch.Run(context.Background()))

	for i := 0; i < 4; i++ {
		assert.Equal(t, int32(1), atomic.LoadInt32(&segmentFetches[i]), "segment %d fetched exactly once", i)
	}

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	var want bytes.Buffer
	for i := 0; i < 4; i++ {
		want.Write(tsPacket(byte(i)))
	}
	assert.Equal(t, want.Bytes(), got)
	assert.Equal(t, "done", orch.Snapshot().State)
}

// TestRun_LiveBurstLargerThanQueue verifies that a live poll appending far
// more segments than the pool queue holds still completes. Dispatch must keep
// draining results while it queues; otherwise the run wedges with workers
// blocked on reporting and the queue never draining.
func TestRun_LiveBurstLargerThanQueue(t *testing.T) {
	const burst = 2100

	var generation int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&generation, 1) == 1 {
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:6,\nseg_0.ts\n")
			return
		}
		fmt.Fprint(w, endedManifest(burst))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg_%d.ts", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Write(tsPacket(byte(n)))
	})

	opts := testOptions(t, server.URL+"/playlist.m3u8")
	opts.Concurrency = 1
	orch := orchestrator.New(opts, logger.Nop())

	go func() {
		for range orch.Events() {
		}
	}()

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(60 * time.Second):
		p := orch.Snapshot()
		t.Fatalf("run wedged at %d/%d segments in state %s", p.Downloaded, p.Discovered, p.State)
	}

	final := orch.Snapshot()
	assert.Equal(t, "done", final.State)
	assert.Equal(t, burst, final.Downloaded)

	got, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	var want bytes.Buffer
	for i := 0; i < burst; i++ {
		want.Write(tsPacket(byte(i)))
	}
	assert.True(t, bytes.Equal(want.Bytes(), got), "merged output must hold all %d segments in order", burst)
}
