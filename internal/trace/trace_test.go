package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerTracerFormat(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewPlayerTracer(&buf)
	require.NoError(t, err)

	tr.RecordPlayback(PlaybackRecord{
		Time:             2500 * time.Millisecond,
		Node:             "client-0",
		UserID:           3,
		SegmentNumber:    7,
		RepresentationID: "2",
		Bitrate:          1234567.8,
		BufferLevel:      9.7,
		Stall:            1500 * time.Millisecond,
		DependencyIDs:    []string{"0", "1"},
	})
	require.NoError(t, tr.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Time\tNode\tUserId\tSegmentNumber\tSegmentRepID\tSegmentExperiencedBitrate(bit/s)\tBufferLevel(s)\tStallingTime(msec)\tSegmentDepIds", lines[0])
	assert.Equal(t, "2.5\tclient-0\t3\t7\t2\t1234567\t9\t1500\t0,1", lines[1])
	assert.Equal(t, 1, tr.Records())
}

func TestThroughputTracerFormat(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewThroughputTracer(&buf)
	require.NoError(t, err)

	tr.RecordThroughput(time.Second, "server", 1000, 20, 2)
	tr.RecordThroughput(2*time.Second, "server", 0, 0, 0)
	require.NoError(t, tr.Flush())

	assert.Equal(t, "Time\tNode\tTxBytes\tRxBytes\tOpenSockets\n1\tserver\t1000\t20\t2\n2\tserver\t0\t0\t0\n", buf.String())
	assert.Equal(t, 2, tr.Records())
}

func TestRegistryOpenAndClose(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()

	player, err := reg.OpenPlayer(filepath.Join(dir, "player.tsv"))
	require.NoError(t, err)
	throughput, err := reg.OpenThroughput(filepath.Join(dir, "throughput.tsv"))
	require.NoError(t, err)

	player.RecordPlayback(PlaybackRecord{Node: "c", RepresentationID: "0"})
	throughput.RecordThroughput(time.Second, "s", 1, 2, 3)
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())

	data, err := os.ReadFile(filepath.Join(dir, "player.tsv"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	data, err = os.ReadFile(filepath.Join(dir, "throughput.tsv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1\ts\t1\t2\t3\n")
}

func TestRegistryOpenFailure(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.OpenPlayer(filepath.Join(t.TempDir(), "missing", "player.tsv"))
	assert.Error(t, err)
}
