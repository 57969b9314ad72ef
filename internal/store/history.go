package store

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmallard/parley/internal/models"
)

const historyFile = "history.json"

// History is the time-bounded, append-only log of persisted messages.
// Insertion order is arrival order at the router. Entries older than
// the retention window are pruned from the front opportunistically;
// the log may transiently exceed the window between prunes, which is
// acceptable because retention is advisory.
//
// The router is the sole mutator. A background flusher rewrites the
// JSON document on a fixed cadence whenever the log is dirty, so the
// dispatch path never waits on disk.
type History struct {
	mu        sync.Mutex
	entries   []models.Message
	dirty     bool
	path      string
	retention time.Duration
}

// NewHistory creates a history log persisted under dataDir with the
// given retention window.
func NewHistory(dataDir string, retention time.Duration) *History {
	return &History{
		path:      filepath.Join(dataDir, historyFile),
		retention: retention,
	}
}

// Load reads the persisted log, immediately dropping entries that aged
// out while the server was down. A missing file is not an error.
func (h *History) Load() {
	h.mu.Lock()
	defer h.mu.Unlock()

	var raw []models.Message
	if err := readJSON(h.path, &raw); err != nil {
		log.Printf("[History] Could not load %s: %v", h.path, err)
		return
	}

	now := time.Now()
	for _, m := range raw {
		if m.Age(now) <= h.retention {
			h.entries = append(h.entries, m)
		}
	}
	log.Printf("[History] Loaded %d messages (%d expired on load)", len(h.entries), len(raw)-len(h.entries))
}

// Append adds a fully stamped message to the log and prunes expired
// entries from the front.
func (h *History) Append(m *models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *m.Clone())
	h.pruneLocked(time.Now())
	h.dirty = true
}

// Prune drops everything older than the retention window.
func (h *History) Prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
}

func (h *History) pruneLocked(now time.Time) {
	i := 0
	for i < len(h.entries) && h.entries[i].Age(now) > h.retention {
		i++
	}
	if i > 0 {
		h.entries = h.entries[i:]
		h.dirty = true
	}
}

// Delete removes the entry whose msg_id (or file_id) matches, but only
// when the requester is the original sender. It reports whether an
// entry was removed; an unauthorized request is a silent no-op.
func (h *History) Delete(msgID, requester string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.entries {
		if (m.MsgID == msgID || m.FileID == msgID) && m.Sender == requester {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			h.dirty = true
			return true
		}
	}
	return false
}

// Edit replaces only the content of the matching entry, and only when
// the requester is the original sender. msg_id and timestamp are left
// untouched.
func (h *History) Edit(msgID, requester, content string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		if h.entries[i].MsgID == msgID && h.entries[i].Sender == requester {
			h.entries[i].Content = content
			h.dirty = true
			return true
		}
	}
	return false
}

// Snapshot returns copies of every entry matching keep, in log order.
// A nil keep matches everything.
func (h *History) Snapshot(keep func(*models.Message) bool) []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Message, 0, len(h.entries))
	for i := range h.entries {
		if keep == nil || keep(&h.entries[i]) {
			out = append(out, *h.entries[i].Clone())
		}
	}
	return out
}

// FindFileChannel recovers the channel a file was announced in by
// scanning for its file_ref entry. Falls back to "General" when the
// reference has already been pruned.
func (h *History) FindFileChannel(fileID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		if h.entries[i].FileID == fileID {
			if ch := h.entries[i].Channel; ch != "" {
				return ch
			}
			break
		}
	}
	return "General"
}

// Len returns the current number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Run is the background flusher: every interval it prunes expired
// entries and, if the log is dirty, rewrites the JSON document. It
// runs until the context is cancelled, flushing one last time on the
// way out. Call in its own goroutine.
func (h *History) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Prune(time.Now())
			h.flushIfDirty()
		case <-ctx.Done():
			h.flushIfDirty()
			log.Println("[History] Flusher stopped")
			return
		}
	}
}

// flushIfDirty snapshots under the lock and writes outside it, so a
// slow disk never stalls the dispatch path.
func (h *History) flushIfDirty() {
	h.mu.Lock()
	if !h.dirty {
		h.mu.Unlock()
		return
	}
	snapshot := make([]models.Message, len(h.entries))
	copy(snapshot, h.entries)
	h.dirty = false
	h.mu.Unlock()

	if err := writeJSON(h.path, snapshot); err != nil {
		log.Printf("[History] Could not save %s: %v", h.path, err)
	}
}
