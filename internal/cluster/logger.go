package cluster

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// newHCLogger creates the hclog.Logger raft writes to. An empty or "off"
// level silences raft entirely.
func newHCLogger(w io.Writer, level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if level == "" || lvl == hclog.NoLevel {
		lvl = hclog.Off
	}
	if w == nil {
		w = os.Stderr
	}
	if lvl == hclog.Off {
		w = io.Discard
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  lvl,
		Output: w,
	})
}
