package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmallard/parley/internal/models"
)

func newTestHistory(t *testing.T) (*History, string) {
	t.Helper()
	dir := t.TempDir()
	return NewHistory(dir, 24*time.Hour), dir
}

func entry(id, sender, content string, ts float64) *models.Message {
	return &models.Message{
		Type:      models.KindText,
		MsgID:     id,
		Sender:    sender,
		Content:   content,
		Channel:   "General",
		Timestamp: ts,
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	h, _ := newTestHistory(t)

	for i := 0; i < 5; i++ {
		h.Append(entry(fmt.Sprintf("m%d", i), "alice", fmt.Sprintf("msg %d", i), models.Now()))
	}

	got := h.Snapshot(nil)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.MsgID)
	}
}

func TestMsgIDsUnique(t *testing.T) {
	h, _ := newTestHistory(t)
	for i := 0; i < 20; i++ {
		h.Append(entry(fmt.Sprintf("m%d", i), "alice", "x", models.Now()))
	}

	seen := make(map[string]bool)
	for _, m := range h.Snapshot(nil) {
		assert.False(t, seen[m.MsgID], "duplicate msg_id %s", m.MsgID)
		seen[m.MsgID] = true
	}
}

func TestPruneDropsExpired(t *testing.T) {
	h, _ := newTestHistory(t)

	old := models.Now() - 25*3600 // beyond the 24h window
	h.Append(entry("old", "alice", "stale", old))
	h.Append(entry("new", "alice", "fresh", models.Now()))

	h.Prune(time.Now())

	got := h.Snapshot(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].MsgID)
}

func TestDeleteRequiresOwnership(t *testing.T) {
	h, _ := newTestHistory(t)
	h.Append(entry("m1", "alice", "hi", models.Now()))

	// Non-owner: silent no-op, entry unchanged.
	assert.False(t, h.Delete("m1", "bob"))
	require.Equal(t, 1, h.Len())

	assert.True(t, h.Delete("m1", "alice"))
	assert.Equal(t, 0, h.Len())
}

func TestDeleteMatchesFileID(t *testing.T) {
	h, _ := newTestHistory(t)
	h.Append(&models.Message{
		Type: models.KindFileRef, MsgID: "m1", FileID: "f1",
		Sender: "alice", Timestamp: models.Now(),
	})

	assert.True(t, h.Delete("f1", "alice"))
	assert.Equal(t, 0, h.Len())
}

func TestEditChangesOnlyContent(t *testing.T) {
	h, _ := newTestHistory(t)
	ts := models.Now()
	h.Append(entry("m1", "alice", "before", ts))

	assert.False(t, h.Edit("m1", "bob", "hacked"))
	assert.True(t, h.Edit("m1", "alice", "after"))

	got := h.Snapshot(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].Content)
	assert.Equal(t, "m1", got[0].MsgID)
	assert.Equal(t, ts, got[0].Timestamp)
}

func TestSnapshotFilter(t *testing.T) {
	h, _ := newTestHistory(t)
	h.Append(entry("m1", "alice", "public", models.Now()))
	h.Append(&models.Message{
		Type: models.KindPM, MsgID: "m2", Sender: "alice",
		Target: "bob", Content: "secret", Timestamp: models.Now(),
	})

	visible := h.Snapshot(func(m *models.Message) bool {
		return m.Type != models.KindPM || m.Sender == "carol" || m.Target == "carol"
	})
	require.Len(t, visible, 1)
	assert.Equal(t, "m1", visible[0].MsgID)
}

func TestFindFileChannel(t *testing.T) {
	h, _ := newTestHistory(t)
	h.Append(&models.Message{
		Type: models.KindFileRef, MsgID: "m1", FileID: "f1",
		Sender: "alice", Channel: "Testing", Timestamp: models.Now(),
	})

	assert.Equal(t, "Testing", h.FindFileChannel("f1"))
	assert.Equal(t, "General", h.FindFileChannel("missing"))
}

func TestLoadDropsStaleEntries(t *testing.T) {
	_, dir := newTestHistory(t)

	// Write a log containing an entry that aged out while the server
	// was down; Load must drop it immediately.
	stale := []models.Message{
		*entry("old", "alice", "stale", models.Now()-25*3600),
		*entry("new", "alice", "fresh", models.Now()),
	}
	require.NoError(t, writeJSON(filepath.Join(dir, historyFile), stale))

	reloaded := NewHistory(dir, 24*time.Hour)
	reloaded.Load()

	got := reloaded.Snapshot(nil)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].MsgID)
}

func TestRunFlushesDirtyLog(t *testing.T) {
	h, dir := newTestHistory(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	h.Append(entry("m1", "alice", "hi", models.Now()))

	assert.Eventually(t, func() bool {
		probe := NewHistory(dir, 24*time.Hour)
		probe.Load()
		return probe.Len() == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
