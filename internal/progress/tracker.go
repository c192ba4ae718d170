// Package progress tracks live chapter progress for the status server and metrics.
package progress

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	StatePending    = "pending"
	StateAssembling = "assembling"
)

// ChapterState is a point-in-time view of one chapter.
type ChapterState struct {
	Index     int       `json:"index"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Chunks    int       `json:"chunks"`
	Done      int       `json:"done"`
	Failed    int       `json:"failed"`
	Artifact  string    `json:"artifact,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Snapshot struct {
	RunID         string         `json:"run_id"`
	PendingChunks int            `json:"pending_chunks"`
	Completed     int            `json:"completed_chapters"`
	Chapters      []ChapterState `json:"chapters"`
}

// Plan announces a chapter before synthesis starts.
type Plan struct {
	Index  int
	Title  string
	Chunks int
}

// Tracker is safe for concurrent use. A nil *Tracker ignores updates.
type Tracker struct {
	log      *slog.Logger
	mu       sync.RWMutex
	runID    string
	chapters map[int]*ChapterState
	meter    metric.Meter
	clock    func() time.Time
}

func NewTracker(log *slog.Logger) *Tracker {
	t := &Tracker{
		log:      log.With(slog.String("component", "progress")),
		chapters: make(map[int]*ChapterState),
		meter:    otel.Meter("github.com/loqalabs/loqa-audiobook/progress"),
		clock:    time.Now,
	}
	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return t
}

// Start resets the tracker for a new run.
func (t *Tracker) Start(runID string, plans []Plan) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runID = runID
	t.chapters = make(map[int]*ChapterState, len(plans))
	now := t.clock()
	for _, p := range plans {
		t.chapters[p.Index] = &ChapterState{Index: p.Index, Title: p.Title, State: StatePending, Chunks: p.Chunks, UpdatedAt: now}
	}
}

// ChunkDone counts one terminal chunk.
func (t *Tracker) ChunkDone(chapter int, ok bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, found := t.chapters[chapter]
	if !found {
		return
	}
	ch.Done++
	if !ok {
		ch.Failed++
	}
	if ch.Done == ch.Chunks {
		ch.State = StateAssembling
	}
	ch.UpdatedAt = t.clock()
}

// ChapterDone records the final outcome of a chapter.
func (t *Tracker) ChapterDone(out report.Chapter) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, found := t.chapters[out.Index]
	if !found {
		ch = &ChapterState{Index: out.Index, Title: out.Title, Chunks: out.Chunks}
		t.chapters[out.Index] = ch
	}
	ch.State = out.Status.String()
	ch.Artifact = out.Artifact
	ch.UpdatedAt = t.clock()
}

// Query returns matching chapters in reading order.
func (t *Tracker) Query(filter func(ChapterState) bool) []ChapterState {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var results []ChapterState
	for _, ch := range t.chapters {
		copy := *ch
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	pending, completed := t.snapshotCounts()
	t.mu.RLock()
	runID := t.runID
	t.mu.RUnlock()
	return Snapshot{RunID: runID, PendingChunks: int(pending), Completed: int(completed), Chapters: t.Query(nil)}
}

func WithState(state string) func(ChapterState) bool {
	return func(ch ChapterState) bool { return ch.State == state }
}

func (t *Tracker) initMetrics() error {
	pendingGauge, err := t.meter.Int64ObservableGauge("audiobook.chunks.pending", metric.WithDescription("Chunks not yet terminal in the current run"))
	if err != nil {
		return err
	}
	doneGauge, err := t.meter.Int64ObservableGauge("audiobook.chapters.completed", metric.WithDescription("Chapters with a final outcome in the current run"))
	if err != nil {
		return err
	}
	_, err = t.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		pending, done := t.snapshotCounts()
		obs.ObserveInt64(pendingGauge, pending)
		obs.ObserveInt64(doneGauge, done)
		return nil
	}, pendingGauge, doneGauge)
	return err
}

func (t *Tracker) snapshotCounts() (pending int64, completed int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.chapters {
		pending += int64(ch.Chunks - ch.Done)
		if ch.State != StatePending && ch.State != StateAssembling {
			completed++
		}
	}
	return pending, completed
}
