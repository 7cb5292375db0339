package services

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

// Progress is a snapshot of one upload. Bytes never decreases for a given
// file. Total is -1 when the client declared no size.
type Progress struct {
	FileID string           `json:"fileId"`
	Bytes  int64            `json:"bytes"`
	Total  int64            `json:"total"`
	Parts  int32            `json:"parts"`
	State  models.FileState `json:"state"`
	Done   bool             `json:"done"`
	Error  string           `json:"error,omitempty"`
}

type progressEntry struct {
	last Progress
	subs map[chan Progress]struct{}
}

// ProgressTracker publishes upload progress. Publishing never blocks:
// each subscriber holds at most one pending snapshot and older ones are
// replaced by newer ones.
type ProgressTracker struct {
	mu       sync.Mutex
	active   map[string]*progressEntry
	finished *expirable.LRU[string, Progress]
}

// NewProgressTracker keeps up to size finished snapshots for ttl.
func NewProgressTracker(size int, ttl time.Duration) *ProgressTracker {
	return &ProgressTracker{
		active:   make(map[string]*progressEntry),
		finished: expirable.NewLRU[string, Progress](size, nil, ttl),
	}
}

func (t *ProgressTracker) start(fileID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[fileID] = &progressEntry{
		last: Progress{FileID: fileID, Total: total, State: models.FileInProgress},
		subs: make(map[chan Progress]struct{}),
	}
}

func (t *ProgressTracker) advance(fileID string, bytes int64, parts int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[fileID]
	if !ok || bytes < e.last.Bytes {
		return
	}
	e.last.Bytes = bytes
	e.last.Parts = parts
	e.broadcast()
}

func (t *ProgressTracker) finish(fileID string, state models.FileState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[fileID]
	if !ok {
		return
	}
	delete(t.active, fileID)

	e.last.State = state
	e.last.Done = true
	if err != nil {
		e.last.Error = err.Error()
	}
	e.broadcast()
	for ch := range e.subs {
		close(ch)
		delete(e.subs, ch)
	}
	t.finished.Add(fileID, e.last)
}

func (e *progressEntry) broadcast() {
	for ch := range e.subs {
		offer(ch, e.last)
	}
}

// offer replaces whatever snapshot is pending in ch with p.
func offer(ch chan Progress, p Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// Get returns the latest snapshot of an active or recently finished upload.
func (t *ProgressTracker) Get(fileID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.active[fileID]; ok {
		return e.last, true
	}
	return t.finished.Get(fileID)
}

// Subscribe returns a channel carrying coalesced snapshots for fileID. The
// channel is closed after the final snapshot. For an upload that already
// finished it yields the final snapshot once; for an unknown one it is
// closed immediately. cancel releases the subscription.
func (t *ProgressTracker) Subscribe(fileID string) (<-chan Progress, func()) {
	ch := make(chan Progress, 1)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.active[fileID]
	if !ok {
		if p, ok := t.finished.Get(fileID); ok {
			ch <- p
		}
		close(ch)
		return ch, func() {}
	}

	e.subs[ch] = struct{}{}
	ch <- e.last
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}
