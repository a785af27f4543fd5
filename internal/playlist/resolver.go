package playlist

import (
	"context"
	"fmt"

	"m3u8get/internal/config"
	"m3u8get/internal/logger"
	"m3u8get/internal/models"
)

// maxMasterDepth bounds master-to-master indirection so a cyclic manifest
// cannot recurse forever.
const maxMasterDepth = 4

// Resolver turns a manifest URI into an ordered stream of segment
// descriptors. It is stateful: after the initial Resolve, Poll re-fetches a
// live media playlist and returns only newly appended descriptors, so callers
// never see the same sequence number twice.
type Resolver struct {
	client *Client
	logger logger.Logger
	policy config.RenditionPolicy

	mediaURI string
	nextSeq  uint64
	started  bool
}

// NewResolver creates a resolver using the given manifest client and
// rendition selection policy.
func NewResolver(client *Client, log logger.Logger, policy config.RenditionPolicy) *Resolver {
	return &Resolver{
		client: client,
		logger: log,
		policy: policy,
	}
}

// Resolve fetches uri, recursing through a master playlist to the rendition
// chosen by the policy, and returns the parsed media playlist.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*models.MediaPlaylist, error) {
	media, err := r.resolve(ctx, uri, 0)
	if err != nil {
		return nil, err
	}

	r.mediaURI = media.URI
	r.started = true
	if n := len(media.Segments); n > 0 {
		r.nextSeq = media.Segments[n-1].Sequence + 1
	} else {
		r.nextSeq = media.MediaSequence
	}

	r.logger.Infof("Resolved media playlist %s: %d segments, ended=%v", media.URI, len(media.Segments), media.Ended)
	return media, nil
}

// Poll re-fetches the media playlist resolved earlier and returns a playlist
// view holding only descriptors with sequence numbers not yet emitted.
// Only meaningful for live playlists; for an ended playlist it returns an
// empty, ended view.
func (r *Resolver) Poll(ctx context.Context) (*models.MediaPlaylist, error) {
	if !r.started {
		return nil, malformed("", fmt.Errorf("Poll called before a successful Resolve"))
	}

	data, finalURI, err := r.client.Fetch(ctx, r.mediaURI)
	if err != nil {
		return nil, err
	}

	media, err := ParseMedia(data, finalURI)
	if err != nil {
		return nil, malformed(finalURI, err)
	}

	fresh := &models.MediaPlaylist{
		URI:            media.URI,
		MediaSequence:  media.MediaSequence,
		TargetDuration: media.TargetDuration,
		Ended:          media.Ended,
	}
	for _, seg := range media.Segments {
		if seg.Sequence >= r.nextSeq {
			fresh.Segments = append(fresh.Segments, seg)
		}
	}
	if n := len(fresh.Segments); n > 0 {
		r.nextSeq = fresh.Segments[n-1].Sequence + 1
		r.logger.Debugf("Poll of %s yielded %d new segments", r.mediaURI, n)
	}
	return fresh, nil
}

func (r *Resolver) resolve(ctx context.Context, uri string, depth int) (*models.MediaPlaylist, error) {
	if depth >= maxMasterDepth {
		return nil, malformed(uri, fmt.Errorf("master playlist nesting exceeds %d levels", maxMasterDepth))
	}

	data, finalURI, err := r.client.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}

	if IsMaster(data) {
		master, err := ParseMaster(data, finalURI)
		if err != nil {
			return nil, malformed(finalURI, err)
		}
		chosen := SelectRendition(master.Renditions, r.policy)
		r.logger.Infof("Master playlist %s: selected rendition bandwidth=%d resolution=%s",
			finalURI, chosen.Bandwidth, chosen.Resolution)
		return r.resolve(ctx, chosen.URI, depth+1)
	}

	media, err := ParseMedia(data, finalURI)
	if err != nil {
		return nil, malformed(finalURI, err)
	}
	return media, nil
}

// SelectRendition applies the selection policy to renditions listed in
// manifest order. Bandwidth ties keep the earlier rendition.
func SelectRendition(renditions []models.Rendition, policy config.RenditionPolicy) models.Rendition {
	chosen := renditions[0]
	switch policy {
	case config.PolicyLowestBandwidth:
		for _, r := range renditions[1:] {
			if r.Bandwidth < chosen.Bandwidth {
				chosen = r
			}
		}
	case config.PolicyFirst:
	default:
		for _, r := range renditions[1:] {
			if r.Bandwidth > chosen.Bandwidth {
				chosen = r
			}
		}
	}
	return chosen
}
