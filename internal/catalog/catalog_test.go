package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `segmentDuration=2
numberOfSegments=300
reprId,screenWidth,screenHeight,bitrate
1,640,360,317
2,1920,1080,2400
`
	c, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, 2, c.SegmentDuration)
	assert.Equal(t, 300, c.NumberOfSegments)
	assert.Equal(t, 600, c.TotalDuration())
	assert.Equal(t, NoVariation, c.AvgSigmaMu)
	require.Len(t, c.Entries, 2)

	assert.Equal(t, "1", c.Entries[0].ID)
	assert.Equal(t, 640, c.Entries[0].Width)
	assert.Equal(t, 360, c.Entries[0].Height)
	assert.Equal(t, int64(317000), c.Entries[0].Bandwidth())
	assert.False(t, c.Entries[0].Varies())
}

func TestParseWithVariation(t *testing.T) {
	input := `segmentDuration=4
numberOfSegments=10
AvgSigma/mu=0.4

reprId,screenWidth,screenHeight,bitrate,sigmaOverMu,avgChunkSizeKB
a,1280,720,1000,0.4,500
b,1920,1080,3000
`
	c, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, c.Entries, 2)
	assert.True(t, c.Entries[0].Varies())
	assert.InDelta(t, 0.4, c.Entries[0].SigmaOverMu, 1e-9)
	assert.InDelta(t, 500.0, c.Entries[0].AvgChunkSizeKB, 1e-9)
	assert.False(t, c.Entries[1].Varies())
}

func TestParseVariationDisabledByFileSetting(t *testing.T) {
	input := `segmentDuration=4
numberOfSegments=10
AvgSigma/mu=-1
reprId,screenWidth,screenHeight,bitrate,sigmaOverMu,avgChunkSizeKB
a,1280,720,1000,0.4,500
`
	c, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.False(t, c.Entries[0].Varies())
}

func TestParseWithoutHeader(t *testing.T) {
	input := "segmentDuration=2\nnumberOfSegments=5\n7,320,240,150\n"
	c, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, c.Entries, 1)
	assert.Equal(t, "7", c.Entries[0].ID)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing duration", "numberOfSegments=5\n1,2,3,4\n"},
		{"missing count", "segmentDuration=2\n1,2,3,4\n"},
		{"no rows", "segmentDuration=2\nnumberOfSegments=5\n"},
		{"bad width", "segmentDuration=2\nnumberOfSegments=5\n1,x,3,4\n"},
		{"wrong field count", "segmentDuration=2\nnumberOfSegments=5\n1,2,3\n"},
		{"zero bitrate", "segmentDuration=2\nnumberOfSegments=5\n1,2,3,0\n"},
		{"duplicate id", "segmentDuration=2\nnumberOfSegments=5\n1,2,3,4\n1,2,3,5\n"},
		{"bad duration", "segmentDuration=two\nnumberOfSegments=5\n1,2,3,4\n"},
		{"non-positive chunk size", "segmentDuration=2\nnumberOfSegments=5\n1,2,3,4,0.5,0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.csv")
	require.NoError(t, os.WriteFile(path, []byte("segmentDuration=2\nnumberOfSegments=3\n1,640,360,300\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Entries, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
