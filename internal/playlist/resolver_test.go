package playlist_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m3u8get/internal/config"
	"m3u8get/internal/logger"
	"m3u8get/internal/models"
	"m3u8get/internal/playlist"
)

func newResolver(t *testing.T, policy config.RenditionPolicy) *playlist.Resolver {
	t.Helper()
	client := playlist.NewClient(logger.Nop(), "test-agent", 5*time.Second)
	return playlist.NewResolver(client, logger.Nop(), policy)
}

// TestResolver_MasterSelectsHighestBandwidth verifies that a master playlist
// with bandwidths {500k, 1200k, 800k} resolves to the 1200k rendition.
func TestResolver_MasterSelectsHighestBandwidth(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=500000
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1200000
high.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000
mid.m3u8
`)
	})
	mux.HandleFunc("/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6,\nhigh_0.ts\n#EXT-X-ENDLIST\n")
	})

	media, err := newResolver(t, config.PolicyHighestBandwidth).Resolve(context.Background(), server.URL+"/master.m3u8")
	require.NoError(t, err)
	require.Len(t, media.Segments, 1)
	assert.Equal(t, server.URL+"/high_0.ts", media.Segments[0].URI)
	assert.True(t, media.Ended)
}

// TestResolver_Poll_NeverRepeatsSequences verifies live re-polling emits each
// sequence number exactly once even when manifests overlap.
func TestResolver_Poll_NeverRepeatsSequences(t *testing.T) {
	var generation int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&generation, 1) {
		case 1:
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:10\n#EXTINF:6,\ns10.ts\n#EXTINF:6,\ns11.ts\n")
		case 2:
			// Overlapping window: repeats 11, appends 12 and 13.
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:11\n#EXTINF:6,\ns11.ts\n#EXTINF:6,\ns12.ts\n#EXTINF:6,\ns13.ts\n")
		default:
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:12\n#EXTINF:6,\ns12.ts\n#EXTINF:6,\ns13.ts\n#EXT-X-ENDLIST\n")
		}
	}))
	defer server.Close()

	resolver := newResolver(t, config.PolicyHighestBandwidth)

	seen := make(map[uint64]int)
	record := func(segs []models.SegmentDescriptor) {
		for _, s := range segs {
			seen[s.Sequence]++
		}
	}

	media, err := resolver.Resolve(context.Background(), server.URL+"/live.m3u8")
	require.NoError(t, err)
	assert.False(t, media.Ended)
	record(media.Segments)

	second, err := resolver.Poll(context.Background())
	require.NoError(t, err)
	record(second.Segments)
	assert.False(t, second.Ended)

	third, err := resolver.Poll(context.Background())
	require.NoError(t, err)
	record(third.Segments)
	assert.True(t, third.Ended)
	assert.Empty(t, third.Segments, "final window held no unseen sequences")

	for seq := uint64(10); seq <= 13; seq++ {
		assert.Equal(t, 1, seen[seq], "sequence %d must be emitted exactly once", seq)
	}
}

// TestResolver_LocalManifestResolvesRelativePaths verifies a manifest given
// as a filesystem path resolves relative segment references against its own
// directory using the platform's path rules.
func TestResolver_LocalManifestResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "list.m3u8")
	require.NoError(t, os.WriteFile(manifest,
		[]byte("#EXTM3U\n#EXTINF:6,\nseg_0.ts\n#EXTINF:6,\nsub/seg_1.ts\n#EXT-X-ENDLIST\n"), 0644))

	media, err := newResolver(t, config.PolicyHighestBandwidth).Resolve(context.Background(), manifest)
	require.NoError(t, err)
	require.Len(t, media.Segments, 2)
	assert.Equal(t, filepath.Join(dir, "seg_0.ts"), media.Segments[0].URI)
	assert.Equal(t, filepath.Join(dir, "sub", "seg_1.ts"), media.Segments[1].URI)
}

// TestResolver_Unreachable verifies network failures surface with the
// unreachable kind.
func TestResolver_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newResolver(t, config.PolicyHighestBandwidth).Resolve(context.Background(), server.URL+"/missing.m3u8")
	require.Error(t, err)

	var perr *playlist.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, playlist.KindUnreachable, perr.Kind)
}

// TestResolver_Malformed verifies parse failures surface with the malformed kind.
func TestResolver_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not a manifest")
	}))
	defer server.Close()

	_, err := newResolver(t, config.PolicyHighestBandwidth).Resolve(context.Background(), server.URL+"/bad.m3u8")
	require.Error(t, err)

	var perr *playlist.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, playlist.KindMalformed, perr.Kind)
}

// TestSelectRendition covers the three selection policies.
func TestSelectRendition(t *testing.T) {
	renditions := []models.Rendition{
		{Bandwidth: 500000, URI: "low"},
		{Bandwidth: 1200000, URI: "high"},
		{Bandwidth: 800000, URI: "mid"},
	}

	assert.Equal(t, "high", playlist.SelectRendition(renditions, config.PolicyHighestBandwidth).URI)
	assert.Equal(t, "low", playlist.SelectRendition(renditions, config.PolicyLowestBandwidth).URI)
	assert.Equal(t, "low", playlist.SelectRendition(renditions, config.PolicyFirst).URI)
}

// TestSelectRendition_TiesKeepManifestOrder verifies the deterministic
// tie-break.
func TestSelectRendition_TiesKeepManifestOrder(t *testing.T) {
	renditions := []models.Rendition{
		{Bandwidth: 1200000, URI: "first"},
		{Bandwidth: 1200000, URI: "second"},
	}
	assert.Equal(t, "first", playlist.SelectRendition(renditions, config.PolicyHighestBandwidth).URI)
}
