package manifest

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"

	"github.com/agleyzer/dashsim/internal/catalog"
)

const (
	// DefaultSegmentDir is the path prefix of synthetic segments.
	DefaultSegmentDir = "/content/segments/"
	// DefaultManifestDir is the path prefix of published manifests.
	DefaultManifestDir = "/content/mpds/"
	// DefaultHost is the hostname written into base URLs.
	DefaultHost = "localhost"

	minBufferTime = "PT2.0S"
	codecsAVC     = "avc1"
	mimeTypeMP4   = "video/mp4"
)

// Registrar receives the resources a synthesizer publishes.
type Registrar interface {
	AddVirtual(path string, size int64) error
	AddBlob(path string, data []byte)
}

// Config controls naming of synthesized resources.
type Config struct {
	// Host is the server hostname announced in base URLs
	Host string
	// SegmentDir is the path prefix under which segments are registered
	SegmentDir string
	// ManifestDir is the path prefix under which manifests are registered
	ManifestDir string
}

// Validate fills in defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.SegmentDir == "" {
		c.SegmentDir = DefaultSegmentDir
	}
	if c.ManifestDir == "" {
		c.ManifestDir = DefaultManifestDir
	}
	for _, dir := range []string{c.SegmentDir, c.ManifestDir} {
		if !strings.HasPrefix(dir, "/") || !strings.HasSuffix(dir, "/") {
			return fmt.Errorf("directory %q must start and end with '/'", dir)
		}
	}
	return nil
}

// Published describes the resources created for one video.
type Published struct {
	VideoID      int
	ManifestPath string
	// Manifest is the uncompressed document
	Manifest []byte
	// Compressed is the registered manifest payload
	Compressed []byte
	Segments   int
	TotalBytes int64
	// Playlists maps HLS playlist paths to their content
	Playlists map[string][]byte
}

// Synthesizer turns catalogs into manifests and registry entries.
type Synthesizer struct {
	config Config
	rand   *rand.Rand
	logger *slog.Logger
}

// NewSynthesizer creates a synthesizer drawing segment sizes from rnd.
func NewSynthesizer(config Config, rnd *rand.Rand, logger *slog.Logger) (*Synthesizer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid synthesizer config: %w", err)
	}
	return &Synthesizer{config: config, rand: rnd, logger: logger}, nil
}

// Config returns the validated configuration.
func (s *Synthesizer) Config() Config {
	return s.config
}

// BaseURL returns the base URL announced for a video.
func (s *Synthesizer) BaseURL(videoID int) string {
	return fmt.Sprintf("http://%s%svid%d/", s.config.Host, s.config.SegmentDir, videoID)
}

// ManifestPath returns the registry path of a video's compressed manifest.
func (s *Synthesizer) ManifestPath(videoID int) string {
	return fmt.Sprintf("%svid%d.mpd.gz", s.config.ManifestDir, videoID)
}

// ManifestURL returns the absolute URL of a video's compressed manifest.
func (s *Synthesizer) ManifestURL(videoID int) string {
	return fmt.Sprintf("http://%s%s", s.config.Host, s.ManifestPath(videoID))
}

// SegmentPath returns the registry path of one synthetic segment.
func (s *Synthesizer) SegmentPath(videoID int, repID string, number int) string {
	return fmt.Sprintf("%svid%d/%s", s.config.SegmentDir, videoID, segmentName(repID, number))
}

func segmentName(repID string, number int) string {
	return fmt.Sprintf("repr_%s_seg_%d.264", repID, number)
}

// Synthesize builds the manifest for c and computes every segment size. The
// sizes slice is indexed like c.Entries.
func (s *Synthesizer) Synthesize(c *catalog.Catalog, videoID int) (*MPD, [][]int64, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid catalog: %w", err)
	}

	set := AdaptationSet{BitstreamSwitching: true}
	sizes := make([][]int64, len(c.Entries))

	for i, e := range c.Entries {
		model, err := newSizeModel(e, c.SegmentDuration)
		if err != nil {
			return nil, nil, fmt.Errorf("representation %s: %w", e.ID, err)
		}

		list := &SegmentList{
			Duration:    float64(c.SegmentDuration),
			SegmentURLs: make([]SegmentURL, c.NumberOfSegments),
		}
		sizes[i] = make([]int64, c.NumberOfSegments)
		for n := 0; n < c.NumberOfSegments; n++ {
			list.SegmentURLs[n] = SegmentURL{Media: segmentName(e.ID, n)}
			sizes[i][n] = model.next(s.rand)
		}

		set.Representations = append(set.Representations, Representation{
			ID:           e.ID,
			Codecs:       codecsAVC,
			MimeType:     mimeTypeMP4,
			Width:        e.Width,
			Height:       e.Height,
			StartWithSAP: 1,
			Bandwidth:    e.Bandwidth(),
			SegmentList:  list,
		})
	}

	m := &MPD{
		Xmlns:                     Namespace,
		Profiles:                  ProfileMain,
		Type:                      "static",
		MediaPresentationDuration: FormatDuration(c.TotalDuration()),
		MinBufferTime:             minBufferTime,
		BaseURLs:                  []string{s.BaseURL(videoID)},
		Periods: []Period{{
			Start:          "PT0S",
			AdaptationSets: []AdaptationSet{set},
		}},
	}
	return m, sizes, nil
}

// Publish synthesizes c and registers its segments, its compressed manifest
// and HLS playlists describing the same segments.
func (s *Synthesizer) Publish(c *catalog.Catalog, videoID int, reg Registrar) (*Published, error) {
	m, sizes, err := s.Synthesize(c, videoID)
	if err != nil {
		return nil, err
	}

	pub := &Published{
		VideoID:      videoID,
		ManifestPath: s.ManifestPath(videoID),
	}

	for i, e := range c.Entries {
		for n, size := range sizes[i] {
			if err := reg.AddVirtual(s.SegmentPath(videoID, e.ID, n), size); err != nil {
				return nil, fmt.Errorf("register segment: %w", err)
			}
			pub.Segments++
			pub.TotalBytes += size
		}
	}

	pub.Manifest, err = Marshal(m)
	if err != nil {
		return nil, err
	}
	pub.Compressed, err = Compress(pub.Manifest)
	if err != nil {
		return nil, err
	}
	reg.AddBlob(pub.ManifestPath, pub.Compressed)

	prefix := fmt.Sprintf("%svid%d", s.config.ManifestDir, videoID)
	pub.Playlists, err = RenderHLS(m, prefix)
	if err != nil {
		return nil, fmt.Errorf("render hls: %w", err)
	}
	if err := verifyHLS(pub.Playlists, prefix, len(c.Entries), c.NumberOfSegments); err != nil {
		return nil, fmt.Errorf("verify hls: %w", err)
	}
	for path, data := range pub.Playlists {
		reg.AddBlob(path, data)
	}

	s.logger.Info("published video",
		"video", videoID,
		"manifest", pub.ManifestPath,
		"representations", len(c.Entries),
		"segments", pub.Segments,
		"bytes", pub.TotalBytes,
		"manifest_bytes", len(pub.Manifest),
		"compressed_bytes", len(pub.Compressed),
	)
	return pub, nil
}

// sizeModel produces segment sizes in bytes for one representation.
type sizeModel struct {
	flat  int64
	mu    float64
	sigma float64
	scale float64
	vary  bool
}

// newSizeModel derives the log-normal parameters so that the drawn size has
// mean avgChunkSizeKB and sigma/mu equal to the configured ratio.
func newSizeModel(e catalog.Entry, segmentDuration int) (sizeModel, error) {
	m := sizeModel{flat: e.Bandwidth() / 8 * int64(segmentDuration)}
	if !e.Varies() {
		return m, nil
	}
	m.scale = 1024
	if e.SigmaOverMu == 0 {
		m.flat = int64(e.AvgChunkSizeKB * m.scale)
		return m, nil
	}

	r := e.SigmaOverMu
	disc := 1/(r*r) + 2*math.Log(e.AvgChunkSizeKB)
	if disc < 0 {
		return sizeModel{}, fmt.Errorf("no log-normal model for sigma/mu %g and mean %g KiB", r, e.AvgChunkSizeKB)
	}
	m.sigma = -1/r + math.Sqrt(disc)
	m.mu = m.sigma / r
	m.vary = true
	return m, nil
}

func (m sizeModel) next(rnd *rand.Rand) int64 {
	if !m.vary {
		return m.flat
	}
	x := math.Exp(m.mu + m.sigma*rnd.NormFloat64())
	return int64(x * m.scale)
}

// mean returns the expected segment size in bytes.
func (m sizeModel) mean() float64 {
	if !m.vary {
		return float64(m.flat)
	}
	return math.Exp(m.mu+m.sigma*m.sigma/2) * m.scale
}
