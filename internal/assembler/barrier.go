package assembler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-audiobook/internal/scheduler"
)

// Barrier collects results per chapter and reports when a chapter has no non-terminal chunks
// left. Add may be called from any goroutine.
type Barrier struct {
	mu       sync.RWMutex
	chapters map[int]*slot
}

type slot struct {
	remaining atomic.Int64

	mu      sync.Mutex
	results []scheduler.Result
}

func NewBarrier() *Barrier {
	return &Barrier{chapters: make(map[int]*slot)}
}

// Expect registers a chapter with total chunks. It must be called before any of that
// chapter's results are added.
func (b *Barrier) Expect(chapter, total int) {
	s := &slot{results: make([]scheduler.Result, 0, total)}
	s.remaining.Store(int64(total))
	b.mu.Lock()
	b.chapters[chapter] = s
	b.mu.Unlock()
}

// Add records a terminal result and returns true exactly once per chapter, when the last
// expected result arrives.
func (b *Barrier) Add(res scheduler.Result) bool {
	b.mu.RLock()
	s, ok := b.chapters[res.ChapterIndex]
	b.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("assembler: result for unexpected chapter %d", res.ChapterIndex))
	}
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()

	left := s.remaining.Add(-1)
	if left < 0 {
		panic(fmt.Sprintf("assembler: chapter %d received more results than expected", res.ChapterIndex))
	}
	return left == 0
}

func (b *Barrier) Remaining(chapter int) int {
	b.mu.RLock()
	s, ok := b.chapters[chapter]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(s.remaining.Load())
}

// Take releases a completed chapter's results. It returns nil while chunks are outstanding.
func (b *Barrier) Take(chapter int) []scheduler.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.chapters[chapter]
	if !ok || s.remaining.Load() != 0 {
		return nil
	}
	delete(b.chapters, chapter)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}
