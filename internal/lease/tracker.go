package lease

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Tracker indexes the renewers of in-flight work by key so a key never has
// two live renewal loops.
type Tracker struct {
	active cmap.ConcurrentMap[string, *Renewer]
}

func NewTracker() *Tracker {
	return &Tracker{active: cmap.New[*Renewer]()}
}

// Start registers r under key and starts it. When key already has a renewer,
// that one is returned and r is left stopped.
func (t *Tracker) Start(key string, r *Renewer) (*Renewer, bool) {
	if !t.active.SetIfAbsent(key, r) {
		existing, _ := t.active.Get(key)
		return existing, false
	}
	r.Start()
	return r, true
}

// Stop stops and forgets the renewer registered under key.
func (t *Tracker) Stop(key string) {
	if r, ok := t.active.Pop(key); ok {
		r.Stop()
	}
}

// StopAll stops every tracked renewer.
func (t *Tracker) StopAll() {
	for _, key := range t.active.Keys() {
		t.Stop(key)
	}
}

// Len returns the number of tracked renewers.
func (t *Tracker) Len() int {
	return t.active.Count()
}

// Keys lists the tracked keys.
func (t *Tracker) Keys() []string {
	return t.active.Keys()
}
