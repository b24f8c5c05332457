package sync

import "sync"

// selfWriteTracker suppresses the watch callback that fires for a write the
// Synchronizer itself just issued, so a local PutNode/PutEdge/broadcast
// does not loop back around as a remote-change event. Marked before the
// underlying store call (synchronous substrate fan-out means the watch
// fires before the store call returns) and consumed exactly once by the
// corresponding watch callback.
type selfWriteTracker struct {
	mu    sync.Mutex
	marks map[string]int
}

func newSelfWriteTracker() selfWriteTracker {
	return selfWriteTracker{marks: make(map[string]int)}
}

func (t *selfWriteTracker) mark(key string) {
	t.mu.Lock()
	t.marks[key]++
	t.mu.Unlock()
}

// consume reports whether key was marked as a pending self-write and, if
// so, clears one mark.
func (t *selfWriteTracker) consume(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.marks[key]
	if !ok || n <= 0 {
		return false
	}
	if n == 1 {
		delete(t.marks, key)
	} else {
		t.marks[key] = n - 1
	}
	return true
}
