package detection

import "sync"

// sourceTable holds per-source detector state. The table lock guards lookup,
// creation and removal only; each entry carries its own lock so unrelated
// sources never wait on each other.
type sourceTable[S any] struct {
	mu      sync.RWMutex
	entries map[string]*sourceEntry[S]
	init    func() S
}

type sourceEntry[S any] struct {
	mu    sync.Mutex
	state S
	dead  bool // removed by sweep
}

func newSourceTable[S any](init func() S) *sourceTable[S] {
	return &sourceTable[S]{entries: make(map[string]*sourceEntry[S]), init: init}
}

func (t *sourceTable[S]) get(source string) *sourceEntry[S] {
	t.mu.RLock()
	e := t.entries[source]
	t.mu.RUnlock()
	return e
}

func (t *sourceTable[S]) getOrCreate(source string) *sourceEntry[S] {
	if e := t.get(source); e != nil {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[source]
	if !ok {
		e = &sourceEntry[S]{state: t.init()}
		t.entries[source] = e
	}
	return e
}

// with runs fn with the source's state locked, creating the state if needed.
func (t *sourceTable[S]) with(source string, fn func(*S)) {
	e := t.getOrCreate(source)
	e.mu.Lock()
	for e.dead {
		e.mu.Unlock()
		e = t.getOrCreate(source)
		e.mu.Lock()
	}
	defer e.mu.Unlock()
	fn(&e.state)
}

// peek runs fn with an existing source's state locked. It reports false for
// an unknown source.
func (t *sourceTable[S]) peek(source string, fn func(*S)) bool {
	e := t.get(source)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return false
	}
	fn(&e.state)
	return true
}

// sweep removes every state for which stale returns true and reports how
// many were removed.
func (t *sourceTable[S]) sweep(stale func(*S) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for source, e := range t.entries {
		e.mu.Lock()
		gone := stale(&e.state)
		if gone {
			e.dead = true
		}
		e.mu.Unlock()
		if gone {
			delete(t.entries, source)
			removed++
		}
	}
	return removed
}

func (t *sourceTable[S]) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
