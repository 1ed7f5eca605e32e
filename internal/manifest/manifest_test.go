package manifest

import (
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/dashsim/internal/catalog"
	"github.com/agleyzer/dashsim/internal/registry"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		SegmentDuration:  2,
		NumberOfSegments: 3,
		AvgSigmaMu:       catalog.NoVariation,
		Entries: []catalog.Entry{
			{ID: "1", Width: 640, Height: 360, BitrateKbps: 300, SigmaOverMu: catalog.NoVariation},
			{ID: "2", Width: 1920, Height: 1080, BitrateKbps: 2400, SigmaOverMu: catalog.NoVariation},
		},
	}
}

func newTestSynthesizer(t *testing.T) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(Config{Host: "server"}, rand.New(rand.NewSource(7)), createTestLogger())
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	c := Config{}
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultHost, c.Host)
	assert.Equal(t, DefaultSegmentDir, c.SegmentDir)
	assert.Equal(t, DefaultManifestDir, c.ManifestDir)

	bad := Config{SegmentDir: "segments"}
	assert.Error(t, bad.Validate())
}

func TestPublishRegistersSegmentsAndManifest(t *testing.T) {
	s := newTestSynthesizer(t)
	reg := registry.New("")

	pub, err := s.Publish(testCatalog(), 1, reg)
	require.NoError(t, err)

	assert.Equal(t, "/content/mpds/vid1.mpd.gz", pub.ManifestPath)
	assert.Equal(t, 6, pub.Segments)

	size, ok := reg.Size("/content/segments/vid1/repr_1_seg_0.264")
	require.True(t, ok)
	assert.Equal(t, int64(300000/8*2), size)

	size, ok = reg.Size("/content/segments/vid1/repr_2_seg_2.264")
	require.True(t, ok)
	assert.Equal(t, int64(2400000/8*2), size)
	assert.Equal(t, int64(3*75000+3*600000), pub.TotalBytes)

	blob, ok := reg.Blob(pub.ManifestPath)
	require.True(t, ok)
	assert.Equal(t, pub.Compressed, blob)

	plain, err := Decompress(blob)
	require.NoError(t, err)
	assert.Equal(t, pub.Manifest, plain)

	_, ok = reg.Blob("/content/mpds/vid1.m3u8")
	assert.True(t, ok)
	_, ok = reg.Blob("/content/mpds/vid1_2.m3u8")
	assert.True(t, ok)
}

func TestManifestRoundTrip(t *testing.T) {
	s := newTestSynthesizer(t)
	m, _, err := s.Synthesize(testCatalog(), 4)
	require.NoError(t, err)

	data, err := Marshal(m)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "<?xml"))
	assert.Contains(t, text, `xmlns="urn:mpeg:DASH:schema:MPD:2011"`)
	assert.Contains(t, text, `mediaPresentationDuration="PT0H0M6S"`)
	assert.Contains(t, text, `minBufferTime="PT2.0S"`)
	assert.Contains(t, text, `<BaseURL>http://server/content/segments/vid4/</BaseURL>`)
	assert.Contains(t, text, `media="repr_2_seg_1.264"`)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, []string{"http://server/content/segments/vid4/"}, parsed.BaseURLs)

	set, err := parsed.FirstAdaptationSet()
	require.NoError(t, err)
	assert.True(t, set.BitstreamSwitching)
	_, hasInit := set.InitSegment()
	assert.False(t, hasInit)

	reps := set.ToRepresentations()
	require.Len(t, reps, 2)
	assert.Equal(t, "2", reps[1].ID)
	assert.Equal(t, int64(2400000), reps[1].Bandwidth)
	assert.Equal(t, 1920, reps[1].Width)
	assert.Equal(t, 2.0, reps[1].SegmentDuration)
	assert.False(t, reps[1].IsLayered())
	require.Equal(t, 3, reps[1].SegmentCount())
	assert.Equal(t, "repr_2_seg_2.264", reps[1].Segments[2].URL)
	assert.Equal(t, 2, reps[1].Segments[2].Number)
}

func TestParseLayeredAndInit(t *testing.T) {
	doc := `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:DASH:schema:MPD:2011" type="static">
  <BaseURL>http://host/dir/</BaseURL>
  <Period>
    <AdaptationSet>
      <SegmentBase><Initialization sourceURL="init.mp4"/></SegmentBase>
      <Representation id="base" bandwidth="500000" width="640" height="360">
        <SegmentList duration="4000" timescale="1000">
          <SegmentURL media="b0.svc"/>
        </SegmentList>
      </Representation>
      <Representation id="enh" bandwidth="1500000" dependencyId="base">
        <SegmentBase><Initialization sourceURL="enh-init.mp4"/></SegmentBase>
        <SegmentList duration="4"><SegmentURL media="e0.svc"/></SegmentList>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	set, err := m.FirstAdaptationSet()
	require.NoError(t, err)

	initURL, ok := set.InitSegment()
	require.True(t, ok)
	assert.Equal(t, "init.mp4", initURL)

	reps := set.ToRepresentations()
	require.Len(t, reps, 2)
	assert.Equal(t, 4.0, reps[0].SegmentDuration)
	assert.True(t, reps[1].IsLayered())
	assert.Equal(t, []string{"base"}, reps[1].DependencyIDs)
	assert.Equal(t, "enh-init.mp4", reps[1].InitURL)
}

func TestFirstAdaptationSetErrors(t *testing.T) {
	_, err := (&MPD{}).FirstAdaptationSet()
	assert.ErrorIs(t, err, ErrNoPeriod)

	_, err = (&MPD{Periods: []Period{{}}}).FirstAdaptationSet()
	assert.ErrorIs(t, err, ErrNoAdaptationSet)
}

func TestDecompressOrRaw(t *testing.T) {
	raw := []byte("<MPD/>")
	out, ok := DecompressOrRaw(raw)
	assert.False(t, ok)
	assert.Equal(t, raw, out)

	compressed, err := Compress(raw)
	require.NoError(t, err)
	out, ok = DecompressOrRaw(compressed)
	assert.True(t, ok)
	assert.Equal(t, raw, out)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "PT0H0M0S"},
		{59, "PT0H0M59S"},
		{3600, "PT1H0M0S"},
		{3600 + 120 + 5, "PT1H2M5S"},
		{3600 * 30, "PT30H0M0S"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds))
	}
}

func TestLogNormalSizesMatchMean(t *testing.T) {
	e := catalog.Entry{ID: "v", BitrateKbps: 1000, SigmaOverMu: 0.1, AvgChunkSizeKB: 500}
	model, err := newSizeModel(e, 2)
	require.NoError(t, err)
	assert.InDelta(t, 500*1024, model.mean(), 1)

	rnd := rand.New(rand.NewSource(1))
	const n = 20000
	var sum float64
	distinct := make(map[int64]bool)
	for i := 0; i < n; i++ {
		size := model.next(rnd)
		require.Positive(t, size)
		sum += float64(size)
		distinct[size] = true
	}
	assert.InEpsilon(t, 500*1024, sum/n, 0.03)
	assert.Greater(t, len(distinct), n/2)
}

func TestSizeModelEdgeCases(t *testing.T) {
	constant, err := newSizeModel(catalog.Entry{BitrateKbps: 1, SigmaOverMu: 0, AvgChunkSizeKB: 10}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(10240), constant.next(nil))

	_, err = newSizeModel(catalog.Entry{BitrateKbps: 1, SigmaOverMu: 10, AvgChunkSizeKB: 0.001}, 2)
	assert.Error(t, err)
}

func TestRenderAndParseHLS(t *testing.T) {
	s := newTestSynthesizer(t)
	m, _, err := s.Synthesize(testCatalog(), 1)
	require.NoError(t, err)

	playlists, err := RenderHLS(m, "/content/mpds/vid1")
	require.NoError(t, err)
	require.Len(t, playlists, 3)

	reps, uris, err := ParseHLSMaster(playlists["/content/mpds/vid1.m3u8"])
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, []string{"vid1_1.m3u8", "vid1_2.m3u8"}, uris)
	assert.Equal(t, int64(2400000), reps[1].Bandwidth)
	assert.Equal(t, 1920, reps[1].Width)
	assert.Equal(t, 1080, reps[1].Height)

	segs, err := ParseHLSMedia(playlists["/content/mpds/vid1_2.m3u8"], "2")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "/content/segments/vid1/repr_2_seg_0.264", segs[0].URL)
	assert.Equal(t, 2.0, segs[0].Duration)

	_, _, err = ParseHLSMaster(playlists["/content/mpds/vid1_1.m3u8"])
	assert.Error(t, err)
}

func TestVerifyHLS(t *testing.T) {
	s := newTestSynthesizer(t)
	m, _, err := s.Synthesize(testCatalog(), 1)
	require.NoError(t, err)
	playlists, err := RenderHLS(m, "/content/mpds/vid1")
	require.NoError(t, err)

	require.NoError(t, verifyHLS(playlists, "/content/mpds/vid1", 2, 3))
	assert.Error(t, verifyHLS(playlists, "/content/mpds/vid1", 3, 3), "variant count mismatch")
	assert.Error(t, verifyHLS(playlists, "/content/mpds/vid1", 2, 4), "segment count mismatch")

	delete(playlists, "/content/mpds/vid1_2.m3u8")
	assert.Error(t, verifyHLS(playlists, "/content/mpds/vid1", 2, 3), "missing media playlist")
}
