package playlist

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"m3u8get/internal/models"
)

const (
	tagHeader        = "#EXTM3U"
	tagStreamInf     = "#EXT-X-STREAM-INF:"
	tagInf           = "#EXTINF:"
	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
	tagTargetDur     = "#EXT-X-TARGETDURATION:"
	tagByteRange     = "#EXT-X-BYTERANGE:"
	tagKey           = "#EXT-X-KEY:"
	tagDiscontinuity = "#EXT-X-DISCONTINUITY"
	tagEndList       = "#EXT-X-ENDLIST"
)

// IsMaster reports whether the manifest data declares alternate renditions.
func IsMaster(data []byte) bool {
	return strings.Contains(string(data), tagStreamInf)
}

// ParseMaster parses a master manifest into its rendition list, preserving
// manifest order. Rendition URIs are resolved against baseURI.
func ParseMaster(data []byte, baseURI string) (*models.MasterPlaylist, error) {
	lines := splitLines(data)
	if len(lines) == 0 || lines[0] != tagHeader {
		return nil, fmt.Errorf("missing %s header", tagHeader)
	}

	master := &models.MasterPlaylist{URI: baseURI}
	var pending *models.Rendition

	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, tagStreamInf):
			attrs := parseAttributes(strings.TrimPrefix(line, tagStreamInf))
			rendition := models.Rendition{Resolution: attrs["RESOLUTION"]}
			if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil {
				rendition.Bandwidth = bw
			}
			pending = &rendition
		case strings.HasPrefix(line, "#"):
			// Unhandled tag, skip.
		default:
			if pending == nil {
				continue
			}
			uri, err := resolveRef(baseURI, line)
			if err != nil {
				return nil, err
			}
			pending.URI = uri
			master.Renditions = append(master.Renditions, *pending)
			pending = nil
		}
	}

	if len(master.Renditions) == 0 {
		return nil, fmt.Errorf("master playlist declares no usable renditions")
	}
	return master, nil
}

// ParseMedia parses a media manifest into ordered segment descriptors.
// Sequence numbers start at the declared EXT-X-MEDIA-SEQUENCE and increment
// by one per segment line, preserving manifest order.
func ParseMedia(data []byte, baseURI string) (*models.MediaPlaylist, error) {
	lines := splitLines(data)
	if len(lines) == 0 || lines[0] != tagHeader {
		return nil, fmt.Errorf("missing %s header", tagHeader)
	}

	media := &models.MediaPlaylist{URI: baseURI}

	var (
		seq           uint64
		haveInf       bool
		duration      float64
		discontinuity bool
		currentKey    *models.SegmentKey
		pendingRange  *models.ByteRange
		lastRangeEnd  int64
	)

	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, tagMediaSequence):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, tagMediaSequence), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid media sequence: %w", err)
			}
			media.MediaSequence = n
			seq = n
		case strings.HasPrefix(line, tagTargetDur):
			if d, err := strconv.ParseFloat(strings.TrimPrefix(line, tagTargetDur), 64); err == nil {
				media.TargetDuration = d
			}
		case strings.HasPrefix(line, tagInf):
			spec := strings.TrimPrefix(line, tagInf)
			if idx := strings.IndexByte(spec, ','); idx >= 0 {
				spec = spec[:idx]
			}
			d, err := strconv.ParseFloat(strings.TrimSpace(spec), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid EXTINF duration in %q: %w", line, err)
			}
			duration = d
			haveInf = true
		case strings.HasPrefix(line, tagByteRange):
			br, err := parseByteRange(strings.TrimPrefix(line, tagByteRange), lastRangeEnd)
			if err != nil {
				return nil, err
			}
			pendingRange = br
			lastRangeEnd = br.Offset + br.Length
		case strings.HasPrefix(line, tagKey):
			key, err := parseKey(strings.TrimPrefix(line, tagKey), baseURI)
			if err != nil {
				return nil, err
			}
			currentKey = key
		case line == tagDiscontinuity:
			discontinuity = true
		case line == tagEndList:
			media.Ended = true
		case strings.HasPrefix(line, "#"):
			// Unhandled tag, skip.
		default:
			if !haveInf {
				// A URI line without a preceding EXTINF; tolerated for
				// manifests in the wild that omit durations.
				duration = 0
			}
			uri, err := resolveRef(baseURI, line)
			if err != nil {
				return nil, err
			}
			media.Segments = append(media.Segments, models.SegmentDescriptor{
				Sequence:      seq,
				URI:           uri,
				Duration:      duration,
				ByteRange:     pendingRange,
				Key:           currentKey,
				Discontinuity: discontinuity,
			})
			seq++
			haveInf = false
			duration = 0
			discontinuity = false
			pendingRange = nil
		}
	}

	if len(media.Segments) == 0 && !media.Ended {
		return nil, fmt.Errorf("media playlist declares no segments")
	}
	return media, nil
}

// parseByteRange parses "<n>[@<o>]". When the offset is omitted the range
// starts where the previous one ended, per the HLS specification.
func parseByteRange(spec string, lastEnd int64) (*models.ByteRange, error) {
	parts := strings.SplitN(spec, "@", 2)
	length, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid byte range %q: %w", spec, err)
	}
	offset := lastEnd
	if len(parts) == 2 {
		offset, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid byte range offset %q: %w", spec, err)
		}
	}
	return &models.ByteRange{Offset: offset, Length: length}, nil
}

// parseKey parses an EXT-X-KEY attribute list. METHOD=NONE clears the key
// for subsequent segments.
func parseKey(spec, baseURI string) (*models.SegmentKey, error) {
	attrs := parseAttributes(spec)
	method := attrs["METHOD"]
	if method == "" {
		return nil, fmt.Errorf("EXT-X-KEY missing METHOD")
	}
	if method == "NONE" {
		return nil, nil
	}

	uri, err := resolveRef(baseURI, attrs["URI"])
	if err != nil {
		return nil, err
	}
	key := &models.SegmentKey{Method: method, URI: uri}

	if ivSpec := attrs["IV"]; ivSpec != "" {
		ivHex := strings.TrimPrefix(strings.TrimPrefix(ivSpec, "0x"), "0X")
		iv, err := hex.DecodeString(ivHex)
		if err != nil {
			return nil, fmt.Errorf("invalid key IV %q: %w", ivSpec, err)
		}
		if len(iv) != 16 {
			return nil, fmt.Errorf("key IV must be 16 bytes, got %d", len(iv))
		}
		key.IV = iv
	}
	return key, nil
}

// parseAttributes parses an M3U8 attribute list ("A=1,B=\"x,y\"") into a map,
// honoring quoted values that contain commas.
func parseAttributes(spec string) map[string]string {
	attrs := make(map[string]string)
	for len(spec) > 0 {
		eq := strings.IndexByte(spec, '=')
		if eq < 0 {
			break
		}
		name := strings.TrimSpace(spec[:eq])
		rest := spec[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value = rest[1:]
				rest = ""
			} else {
				value = rest[1 : end+1]
				rest = rest[end+2:]
			}
		} else if comma := strings.IndexByte(rest, ','); comma >= 0 {
			value = rest[:comma]
			rest = rest[comma:]
		} else {
			value = rest
			rest = ""
		}

		attrs[name] = value
		spec = strings.TrimPrefix(strings.TrimSpace(rest), ",")
		spec = strings.TrimSpace(spec)
	}
	return attrs
}

func splitLines(data []byte) []string {
	raw := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
