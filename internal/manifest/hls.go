package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"path"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/dashsim/internal/representation"
	"github.com/agleyzer/dashsim/internal/segment"
)

// RenderHLS renders the first adaptation set of m as an HLS master playlist at
// prefix+".m3u8" with one media playlist per representation at
// prefix+"_<id>.m3u8". Segment URIs are absolute paths below the manifest
// base URL.
func RenderHLS(m *MPD, prefix string) (map[string][]byte, error) {
	set, err := m.FirstAdaptationSet()
	if err != nil {
		return nil, err
	}
	if len(m.BaseURLs) == 0 {
		return nil, fmt.Errorf("manifest has no base URL")
	}
	base, err := url.Parse(m.BaseURLs[0])
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	out := make(map[string][]byte)
	master := m3u8.NewMasterPlaylist()

	for _, rep := range set.ToRepresentations() {
		media, err := m3u8.NewMediaPlaylist(0, uint(rep.SegmentCount()))
		if err != nil {
			return nil, fmt.Errorf("create media playlist for %s: %w", rep.ID, err)
		}
		media.MediaType = m3u8.VOD
		for _, seg := range rep.Segments {
			if err := media.Append(path.Join(base.Path, seg.URL), seg.Duration, ""); err != nil {
				return nil, fmt.Errorf("append segment %s: %w", seg, err)
			}
		}
		media.Close()

		mediaPath := fmt.Sprintf("%s_%s.m3u8", prefix, rep.ID)
		out[mediaPath] = media.Encode().Bytes()

		master.Append(path.Base(mediaPath), media, m3u8.VariantParams{
			Bandwidth:  uint32(rep.Bandwidth),
			Resolution: rep.Resolution(),
			Codecs:     rep.Codecs,
		})
	}

	out[prefix+".m3u8"] = master.Encode().Bytes()
	return out, nil
}

// verifyHLS decodes rendered playlists back and checks that the master lists
// variants entries, each pointing at a media playlist of segments entries.
func verifyHLS(playlists map[string][]byte, prefix string, variants, segments int) error {
	reps, uris, err := ParseHLSMaster(playlists[prefix+".m3u8"])
	if err != nil {
		return err
	}
	if len(reps) != variants {
		return fmt.Errorf("master playlist has %d variants, want %d", len(reps), variants)
	}
	for _, uri := range uris {
		media, ok := playlists[path.Join(path.Dir(prefix), uri)]
		if !ok {
			return fmt.Errorf("media playlist %s not rendered", uri)
		}
		segs, err := ParseHLSMedia(media, uri)
		if err != nil {
			return fmt.Errorf("media playlist %s: %w", uri, err)
		}
		if len(segs) != segments {
			return fmt.Errorf("media playlist %s has %d segments, want %d", uri, len(segs), segments)
		}
	}
	return nil
}

// ParseHLSMaster decodes a master playlist into representations without
// segments. The returned URIs name each variant's media playlist. Publish
// uses it to check rendered playlists; HLS players fetching from the gateway
// are expected to read the same structure.
func ParseHLSMaster(data []byte) ([]*representation.Representation, []string, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, nil, fmt.Errorf("expected master playlist")
	}
	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected playlist type")
	}
	if len(master.Variants) == 0 {
		return nil, nil, fmt.Errorf("master playlist contains no variants")
	}

	reps := make([]*representation.Representation, 0, len(master.Variants))
	uris := make([]string, 0, len(master.Variants))
	for _, v := range master.Variants {
		rep := &representation.Representation{
			Bandwidth: int64(v.Bandwidth),
			Codecs:    v.Codecs,
		}
		fmt.Sscanf(v.Resolution, "%dx%d", &rep.Width, &rep.Height)
		reps = append(reps, rep)
		uris = append(uris, v.URI)
	}
	return reps, uris, nil
}

// ParseHLSMedia decodes a media playlist into segments attributed to repID.
func ParseHLSMedia(data []byte, repID string) ([]segment.Segment, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var segments []segment.Segment
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		segments = append(segments, segment.Segment{
			URL:              seg.URI,
			Duration:         seg.Duration,
			Number:           i,
			RepresentationID: repID,
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}
	return segments, nil
}
