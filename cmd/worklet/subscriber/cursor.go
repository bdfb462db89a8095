package subscriber

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Cursor persists the last processed task event id to a file named by node
// identity, so a restarted worklet resumes the stream where it left off.
type Cursor struct {
	path string
}

// NewCursor builds the cursor for a node identity under dataDir.
func NewCursor(dataDir, nodeUUID string) *Cursor {
	return &Cursor{path: filepath.Join(dataDir, "task_events_cursor_"+nodeUUID+".json")}
}

// Load reads the persisted event id; a missing or garbled file starts from
// zero.
func (c *Cursor) Load() int64 {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Store persists the event id.
func (c *Cursor) Store(v int64) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, []byte(strconv.FormatInt(v, 10)), 0o644)
}
