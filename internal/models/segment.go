package models

import "fmt"

// ByteRange describes the EXT-X-BYTERANGE sub-range of a segment resource.
type ByteRange struct {
	// Offset is the first byte of the range within the resource.
	Offset int64
	// Length is the number of bytes in the range.
	Length int64
}

// HeaderValue renders the range in HTTP Range header form.
func (b ByteRange) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", b.Offset, b.Offset+b.Length-1)
}

// SegmentKey references the decryption key declared for a segment via EXT-X-KEY.
type SegmentKey struct {
	// Method is the declared encryption method, e.g. "AES-128".
	Method string
	// URI is the resolved URL the key bytes are fetched from.
	URI string
	// IV is the 16-byte initialization vector if the manifest declared one.
	// When nil, the IV is derived from the segment's sequence number per the
	// HLS specification.
	IV []byte
}

// SegmentDescriptor describes one media segment of a media playlist.
// Descriptors are immutable once emitted by the resolver.
type SegmentDescriptor struct {
	// Sequence is the media sequence number. It is unique within a download
	// session, strictly increasing in manifest order, and defines merge order.
	Sequence uint64
	// URI is the fully resolved URL (or local path) of the segment data.
	URI string
	// Duration is the declared EXTINF duration in seconds.
	Duration float64
	// ByteRange is the optional sub-range of the resource, nil if absent.
	ByteRange *ByteRange
	// Key is the decryption key reference in effect for this segment, nil for
	// cleartext segments.
	Key *SegmentKey
	// ExpectedSize is the declared size in bytes when known, 0 otherwise.
	ExpectedSize int64
	// Discontinuity is set when the manifest declared EXT-X-DISCONTINUITY
	// immediately before this segment.
	Discontinuity bool
}

// Rendition is one alternate encoding of the content listed in a master playlist.
type Rendition struct {
	// Bandwidth is the declared peak bandwidth in bits per second.
	Bandwidth int64
	// Resolution is the declared "WxH" string, empty if not declared.
	Resolution string
	// URI is the resolved URL of the rendition's media playlist.
	URI string
}

// MasterPlaylist is a parsed master manifest: a list of renditions in
// manifest order.
type MasterPlaylist struct {
	URI        string
	Renditions []Rendition
}

// MediaPlaylist is a parsed media manifest: an ordered list of segment
// descriptors plus the playlist-level state needed for live re-polling.
type MediaPlaylist struct {
	URI string
	// MediaSequence is the declared EXT-X-MEDIA-SEQUENCE of the first segment.
	MediaSequence uint64
	// TargetDuration is the declared EXT-X-TARGETDURATION in seconds.
	TargetDuration float64
	// Ended reports whether the manifest carried EXT-X-ENDLIST.
	Ended bool
	// Segments holds the descriptors in manifest order.
	Segments []SegmentDescriptor
}
