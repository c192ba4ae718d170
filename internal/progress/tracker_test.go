package progress

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-audiobook/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerFollowsChapterLifecycle(t *testing.T) {
	tr := NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr.Start("run-1", []Plan{{Index: 2, Title: "Two", Chunks: 3}, {Index: 1, Title: "One", Chunks: 2}})

	snap := tr.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 5, snap.PendingChunks)
	require.Len(t, snap.Chapters, 2)
	assert.Equal(t, 1, snap.Chapters[0].Index)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.ChunkDone(1, true)
		}()
	}
	wg.Wait()
	tr.ChunkDone(2, false)

	assembling := tr.Query(WithState(StateAssembling))
	require.Len(t, assembling, 1)
	assert.Equal(t, 1, assembling[0].Index)

	tr.ChapterDone(report.Chapter{Index: 1, Title: "One", Status: report.Succeeded, Artifact: "0001_One.mp3"})
	snap = tr.Snapshot()
	assert.Equal(t, 2, snap.PendingChunks)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, "succeeded", snap.Chapters[0].State)
	assert.Equal(t, "0001_One.mp3", snap.Chapters[0].Artifact)
	assert.Equal(t, 1, snap.Chapters[1].Failed)
}

func TestNilTrackerIgnoresUpdates(t *testing.T) {
	var tr *Tracker
	tr.Start("x", []Plan{{Index: 1, Chunks: 1}})
	tr.ChunkDone(1, true)
	tr.ChapterDone(report.Chapter{Index: 1})
	assert.Empty(t, tr.Snapshot().Chapters)
}
